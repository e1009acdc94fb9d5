package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/port"
)

// SourceRouter picks a fetcher by the reference's scheme. References
// without a scheme, or with file://, go to the local fetcher.
type SourceRouter struct {
	local   port.SourceFetcher
	schemes map[string]port.SourceFetcher
}

func NewSourceRouter(local port.SourceFetcher) *SourceRouter {
	return &SourceRouter{local: local, schemes: make(map[string]port.SourceFetcher)}
}

func (r *SourceRouter) Register(scheme string, f port.SourceFetcher) {
	r.schemes[strings.ToLower(scheme)] = f
}

func (r *SourceRouter) Fetch(ctx context.Context, ref, scratchDir string) (string, error) {
	scheme, _, ok := strings.Cut(ref, "://")
	if !ok || strings.EqualFold(scheme, "file") {
		return r.local.Fetch(ctx, ref, scratchDir)
	}
	f, found := r.schemes[strings.ToLower(scheme)]
	if !found {
		return "", domain.InputError(domain.JobStateProbing, fmt.Errorf("unsupported source scheme %q", scheme))
	}
	return f.Fetch(ctx, ref, scratchDir)
}

var _ port.SourceFetcher = (*SourceRouter)(nil)
