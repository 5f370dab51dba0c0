package main

import (
	"context"
	"sync"

	"dragoncounters/cd"
	"dragoncounters/counters"
	"dragoncounters/storage"
	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	defaultTake = 1024
	maxTake     = 10000
)

func getTake(ctx *fasthttp.RequestCtx) (int, error) {
	take, err := queryInt64(ctx, "take", defaultTake)
	if err != nil {
		return 0, err
	}
	if take < 0 || take > maxTake {
		return 0, errors.Newf("take is not in range 0~%d", maxTake)
	}
	return int(take), nil
}

func writeBatch(ctx *fasthttp.RequestCtx, batch *cd.ChangeBatch) {
	d, err := batch.MarshalMsg(nil)
	if err != nil {
		ctx.Error("err marshaling: "+err.Error(), 500)
		return
	}
	ctx.SetContentType("application/msgpack")
	_, _ = ctx.Write(d)
}

// ChangesHandler returns the records with etag >= ?from, in etag order.
func (s *Server) ChangesHandler(ctx *fasthttp.RequestCtx) {
	from, err := queryInt64(ctx, "from", 0)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	take, err := getTake(ctx)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	batch := &cd.ChangeBatch{}
	err = s.store.View(ctx, func(tx storage.Tx) error {
		if take == 0 {
			return nil
		}
		return s.cnt.ChangesFrom(tx, from, func(c counters.Change) error {
			batch.Records = append(batch.Records, *c.Counters)
			batch.LastEtag = c.Etag
			if len(batch.Records) == take {
				return storage.ErrStopScan
			}
			return nil
		})
	})
	if err != nil {
		writeError(ctx, "err reading changes", err)
		return
	}
	writeBatch(ctx, batch)
}

func (s *Server) CollectionChangesHandler(ctx *fasthttp.RequestCtx) {
	coll := userValue(ctx, "coll")
	if err := storage.ValidateKey("coll", coll); err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	from, err := queryInt64(ctx, "from", 0)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	skip, err := queryInt64(ctx, "skip", 0)
	if err != nil || skip < 0 {
		ctx.Error("skip must be a non-negative number", 400)
		return
	}
	take, err := getTake(ctx)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	batch := &cd.ChangeBatch{}
	err = s.store.View(ctx, func(tx storage.Tx) error {
		page, err := s.cnt.ChangesFromCollection(tx, coll, from, int(skip), take)
		for _, c := range page {
			batch.Records = append(batch.Records, *c.Counters)
			batch.LastEtag = c.Etag
		}
		return err
	})
	if err != nil {
		writeError(ctx, "err reading changes", err)
		return
	}
	writeBatch(ctx, batch)
}

type countResponse struct {
	ToProcess int64 `json:"toProcess"`
	Total     int64 `json:"total"`
}

func (s *Server) CountHandler(ctx *fasthttp.RequestCtx) {
	coll := userValue(ctx, "coll")
	if err := storage.ValidateKey("coll", coll); err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	after, err := queryInt64(ctx, "after", 0)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	var res countResponse
	err = s.store.View(ctx, func(tx storage.Tx) error {
		res.ToProcess, res.Total, err = s.cnt.CountBetween(tx, coll, after)
		return err
	})
	if err != nil {
		writeError(ctx, "err counting", err)
		return
	}
	writeJSON(ctx, res)
}

// applyParallel bounds the records of one batch merged at once. Every
// record commits on its own, concurrent commits share a flush.
const applyParallel = 64

type applyResponse struct {
	Records int `json:"records"`
	Changed int `json:"changed"`
	// Failed are the keys of records that were not applied.
	Failed []string `json:"failed,omitempty"`
}

func (s *Server) applyRecord(ctx context.Context, rec *cd.GroupRecord) (bool, error) {
	if err := storage.ValidateKey("key", rec.Key); err != nil {
		return false, err
	}
	if err := storage.ValidateKey("collection", rec.Collection); err != nil {
		return false, err
	}
	var changed bool
	err := s.store.Update(ctx, func(tx storage.Tx) (err error) {
		changed, err = s.cnt.ApplyReplicatedCounters(tx, rec.Key, rec.Collection, rec.ChangeVector, rec)
		return err
	})
	return changed, err
}

// ApplyHandler merges a batch of records received from another node. Each
// record is applied in its own transaction, a record that fails is logged
// and listed in the response while the rest of the batch still lands.
func (s *Server) ApplyHandler(ctx *fasthttp.RequestCtx) {
	var batch cd.ChangeBatch
	if _, err := batch.UnmarshalMsg(ctx.PostBody()); err != nil {
		ctx.Error("failed to parse batch "+err.Error(), 400)
		return
	}

	changed := make([]bool, len(batch.Records))
	errs := make([]error, len(batch.Records))
	sem := make(chan struct{}, applyParallel)
	var wg sync.WaitGroup
	for i := range batch.Records {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer func() {
				<-sem
				wg.Done()
			}()
			changed[i], errs[i] = s.applyRecord(ctx, &batch.Records[i])
		}(i)
	}
	wg.Wait()

	res := applyResponse{Records: len(batch.Records)}
	for i, err := range errs {
		key := batch.Records[i].Key
		switch {
		case errors.Is(err, storage.ErrClosed):
			writeError(ctx, "err applying", err)
			return
		case err != nil:
			s.log.Warn("replicated record not applied", zap.String("key", key), zap.Error(err))
			res.Failed = append(res.Failed, key)
		case changed[i]:
			res.Changed++
		}
	}
	s.log.Debug("replicated batch applied",
		zap.Int("records", res.Records), zap.Int("changed", res.Changed),
		zap.Int("failed", len(res.Failed)), zap.Int64("lastEtag", batch.LastEtag))
	writeJSON(ctx, res)
}
