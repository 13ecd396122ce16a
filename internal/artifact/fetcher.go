// Package artifact provides the host's default ArtifactFetcher. It only
// understands file:// references, reading a claims sidecar next to the
// artifact; resolving oci:// references requires a registry client and is
// left to deployments that bring one.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/latticerun/host/internal/statestore"
)

// ErrUnsupportedScheme is returned for any reference this fetcher cannot
// resolve, most notably oci://.
var ErrUnsupportedScheme = fmt.Errorf("artifact: unsupported reference scheme")

// FileFetcher resolves file:// image references by reading a
// "<path>.claims.json" sidecar file containing a statestore.Claims record.
type FileFetcher struct{}

// Fetch implements supervisor.ArtifactFetcher, which both the component and
// the provider supervisor consume.
func (FileFetcher) Fetch(ctx context.Context, imageRef string) (statestore.Claims, error) {
	path, ok := strings.CutPrefix(imageRef, "file://")
	if !ok {
		return statestore.Claims{}, fmt.Errorf("%w: %s", ErrUnsupportedScheme, imageRef)
	}

	raw, err := os.ReadFile(path + ".claims.json")
	if err != nil {
		return statestore.Claims{}, fmt.Errorf("artifact: read claims sidecar: %w", err)
	}

	var claims statestore.Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return statestore.Claims{}, fmt.Errorf("artifact: decode claims sidecar: %w", err)
	}
	return claims, nil
}
