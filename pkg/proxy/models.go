package proxy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/keygate-dev/keygate/pkg/router"
)

// fetchUpstreamModels lists /v1/models off one upstream using a pool key.
func (s *Server) fetchUpstreamModels(ctx context.Context, u *router.Upstream) ([]string, error) {
	keys := u.Keys()
	if len(keys) == 0 {
		return nil, fmt.Errorf("upstream %s: no keys loaded", u.ID)
	}
	nowMS := time.Now().UnixMilli()
	key := keys[0]
	for _, k := range keys {
		if until, _ := k.Cooldown(); until <= nowMS {
			key = k
			break
		}
	}

	cfg := openai.DefaultConfig(key.Secret)
	cfg.BaseURL = strings.TrimRight(u.BaseURL, "/") + "/v1"
	cfg.HTTPClient = s.client
	cli := openai.NewClientWithConfig(cfg)

	ctx, cancel := context.WithTimeout(ctx, s.state.RequestTimeout)
	defer cancel()
	list, err := cli.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: list models: %w", u.ID, err)
	}
	out := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		if m.ID != "" {
			out = append(out, m.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// refreshMissingModelRoutes backfills the route table for upstreams that have
// no entry yet. Upstreams already routed are left alone so manual routes win.
func (s *Server) refreshMissingModelRoutes(ctx context.Context) {
	snap := s.state.Snapshot()
	for _, u := range snap.Upstreams {
		if s.state.Routes.HasUpstream(u.ID) {
			continue
		}
		models, err := s.fetchUpstreamModels(ctx, u)
		if err != nil {
			log.Warn("model refresh failed", "upstream", u.ID, "err", err)
			continue
		}
		if _, err := s.state.Routes.SetUpstreamModels(u.ID, models); err != nil {
			log.Warn("model routes persist failed", "upstream", u.ID, "err", err)
		} else {
			log.Info("model routes refreshed", "upstream", u.ID, "models", len(models))
		}
	}
}
