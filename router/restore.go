package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/agency-relay/storage"
)

// restoreAgentRoute rebuilds the agent route for identity from the
// durable store. The work runs detached from ctx so that a caller giving
// up does not fail other callers waiting on the same identity; the
// caller itself stops waiting once ctx is done.
func (r *Router) restoreAgentRoute(ctx context.Context, identity string) (AgentHandler, error) {
	if r.store == nil {
		return nil, storage.ErrNotFound
	}

	ch := r.lookups.DoChan(identity, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.restoreTimeout)
		defer cancel()
		return r.restore(rctx, identity)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			log.Debug().Str("identity", identity).Msg("Joined in-flight restoration")
		}
		return res.Val.(AgentHandler), nil
	case <-ctx.Done():
		log.Warn().
			Err(ctx.Err()).
			Str("identity", identity).
			Msg("Caller abandoned restoration")
		return nil, &RestorationError{Identity: identity, Stage: StageAbandoned, Err: ctx.Err()}
	}
}

func (r *Router) restore(ctx context.Context, identity string) (AgentHandler, error) {
	// Another request may have restored or registered the route while
	// this one waited for its turn.
	if h, ok := r.agents.get(identity); ok && !terminated(h) {
		return h, nil
	}

	r.stats.restorations.Add(1)

	h, err := r.queryAndReconstruct(ctx, identity)
	if err != nil {
		r.stats.restorationFailures.Add(1)

		ev := log.Warn()
		if errors.Is(err, storage.ErrNotFound) {
			ev = log.Debug()
		}
		ev.Err(err).Str("identity", identity).Msg("Restoration failed")
		return nil, err
	}
	return h, nil
}

func (r *Router) queryAndReconstruct(ctx context.Context, identity string) (AgentHandler, error) {
	req, err := storage.NewLookupRequest(r.self, identity, r.now())
	if err != nil {
		return nil, &RestorationError{Identity: identity, Stage: StageSign, Err: err}
	}

	rec, err := r.store.FindPairwise(ctx, req)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, &RestorationError{Identity: identity, Stage: StageQuery, Err: err}
	}

	if err := validateRestored(identity, rec); err != nil {
		return nil, &RestorationError{Identity: identity, Stage: StageValidate, Err: err}
	}

	// A lookup by DID and one by verkey resolve to the same record;
	// reconstruct it once.
	v, err, _ := r.reconstructions.Do("record:"+rec.MyDID, func() (any, error) {
		if h, ok := r.agents.get(rec.MyDID); ok && !terminated(h) {
			return h, nil
		}

		h, err := r.restorer.Restore(ctx, rec)
		if err != nil {
			return nil, &RestorationError{Identity: identity, Stage: StageReconstruct, Err: err}
		}
		if h == nil {
			return nil, &RestorationError{
				Identity: identity,
				Stage:    StageReconstruct,
				Err:      errors.New("restorer returned no handler"),
			}
		}

		bound, inserted := r.agents.insertRestored(rec.MyDID, rec.MyVerkey, h)
		if inserted {
			log.Info().
				Str("identity", identity).
				Str("did", rec.MyDID).
				Str("verkey", rec.MyVerkey).
				Str("kind", string(rec.Kind)).
				Msg("Restored agent route")
		}
		return bound, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(AgentHandler), nil
}

func validateRestored(identity string, rec *storage.PairwiseRecord) error {
	switch {
	case rec == nil:
		return errors.New("store returned no record")
	case rec.MyDID == "" || rec.MyVerkey == "":
		return errors.New("record missing my_did or my_verkey")
	case identity != rec.MyDID && identity != rec.MyVerkey:
		return fmt.Errorf("record %s does not match identity", rec.MyDID)
	}
	return nil
}
