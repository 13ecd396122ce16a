package host

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var adjectives = []string{
	"blue", "quick", "gentle", "bold", "curious", "eager", "fuzzy", "happy",
	"jolly", "lucky", "mighty", "nimble", "proud", "quiet", "rapid", "sly",
	"sunny", "tidy", "vivid", "witty",
}

var nouns = []string{
	"otter", "falcon", "badger", "heron", "lynx", "marten", "osprey", "puma",
	"raven", "sparrow", "tapir", "urchin", "vole", "wombat", "yak", "zebra",
	"gecko", "ibis", "jaguar", "kestrel",
}

// GenerateFriendlyName returns a display-only host name shaped "<adjective>-<noun>-<number>".
func GenerateFriendlyName() (string, error) {
	a, err := randomElement(len(adjectives))
	if err != nil {
		return "", err
	}
	n, err := randomElement(len(nouns))
	if err != nil {
		return "", err
	}
	num, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%d", adjectives[a], nouns[n], num.Int64()), nil
}

func randomElement(n int) (int, error) {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(idx.Int64()), nil
}
