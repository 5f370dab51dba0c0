package main

import (
	"time"

	"dragoncounters/counters"
	"dragoncounters/storage"
	"github.com/valyala/fasthttp"
)

// UpdateCounterHandler increments a counter with ?add=N or overrides it
// with ?set=N and answers with the resolved value.
func (s *Server) UpdateCounterHandler(ctx *fasthttp.RequestCtx) {
	coll, docID, name, err := getCounterParams(ctx)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	args := ctx.QueryArgs()
	hasAdd, hasSet := len(args.Peek("add")) > 0, len(args.Peek("set")) > 0
	if hasAdd == hasSet {
		ctx.Error("exactly one of add or set is required", 400)
		return
	}
	var op func(tx storage.Tx) (counters.Result, error)
	if hasAdd {
		add, err := queryInt64(ctx, "add", 0)
		if err != nil {
			ctx.Error(err.Error(), 400)
			return
		}
		op = func(tx storage.Tx) (counters.Result, error) {
			return s.cnt.IncrementCounter(tx, docID, coll, name, add)
		}
	} else {
		set, err := queryInt64(ctx, "set", 0)
		if err != nil {
			ctx.Error(err.Error(), 400)
			return
		}
		op = func(tx storage.Tx) (counters.Result, error) {
			return s.cnt.PutCounter(tx, docID, coll, name, set)
		}
	}
	var res counters.Result
	err = s.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		res, err = op(tx)
		return err
	})
	if err != nil {
		writeError(ctx, "err updating", err)
		return
	}
	setEtag(ctx, res.Etag)
	writeInt64(ctx, res.Value)
}

func (s *Server) DeleteCounterHandler(ctx *fasthttp.RequestCtx) {
	coll, docID, name, err := getCounterParams(ctx)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	var deleted bool
	err = s.store.Update(ctx, func(tx storage.Tx) error {
		deleted, err = s.cnt.DeleteCounter(tx, docID, coll, name)
		return err
	})
	if err != nil {
		writeError(ctx, "err deleting", err)
		return
	}
	if !deleted {
		ctx.Error("not found", 404)
	}
}

func (s *Server) DeleteAllHandler(ctx *fasthttp.RequestCtx) {
	coll, docID, err := getCollDoc(ctx)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	var deleted bool
	err = s.store.Update(ctx, func(tx storage.Tx) error {
		deleted, err = s.cnt.DeleteAllCounters(tx, docID, coll)
		return err
	})
	if err != nil {
		writeError(ctx, "err deleting", err)
		return
	}
	if !deleted {
		ctx.Error("not found", 404)
	}
}

// readCounter returns the resolved value and the etag of the document.
func (s *Server) readCounter(ctx *fasthttp.RequestCtx, docID, name string) (value int64, ok bool, etag int64, err error) {
	err = s.store.View(ctx, func(tx storage.Tx) error {
		rec, err := s.cnt.GetRecord(tx, docID)
		if err != nil || rec == nil {
			return err
		}
		etag = rec.Etag
		value, ok, err = s.cnt.ResolvedValue(tx, docID, name)
		return err
	})
	return value, ok, etag, err
}

// GetCounterHandler returns the resolved value of a counter.
//
// With ?wait=N&etag=E the request blocks for up to N seconds while the
// document's etag is still E, and answers 304 if it did not move.
func (s *Server) GetCounterHandler(ctx *fasthttp.RequestCtx) {
	_, docID, name, err := getCounterParams(ctx)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	wait, err := queryInt64(ctx, "wait", 0)
	if err != nil || wait < 0 || wait > maxWait {
		ctx.Error("wait is not in range 0~60", 400)
		return
	}
	known, err := queryInt64(ctx, "etag", -1)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}

	key := counters.DocKey(docID)
	if wait > 0 {
		// attach before reading so no commit slips between the read and Listen
		s.watch.Attach(key)
	}
	value, ok, etag, err := s.readCounter(ctx, docID, name)
	if wait > 0 {
		if err != nil || etag != known {
			s.watch.Detach(key)
		} else {
			s.watch.Listen(key, known, time.Duration(wait)*time.Second)
			value, ok, etag, err = s.readCounter(ctx, docID, name)
			if err == nil && etag == known {
				ctx.SetStatusCode(fasthttp.StatusNotModified)
				return
			}
		}
	}
	if err != nil {
		writeError(ctx, "err getting", err)
		return
	}
	setEtag(ctx, etag)
	if !ok {
		ctx.Error("not found", 404)
		return
	}
	writeInt64(ctx, value)
}

func (s *Server) GetSourcesHandler(ctx *fasthttp.RequestCtx) {
	_, docID, name, err := getCounterParams(ctx)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	var vals []counters.SourceValue
	var ok bool
	err = s.store.View(ctx, func(tx storage.Tx) error {
		vals, ok, err = s.cnt.PerSourceValues(tx, docID, name)
		return err
	})
	if err != nil {
		writeError(ctx, "err getting", err)
		return
	}
	if !ok {
		ctx.Error("not found", 404)
		return
	}
	writeJSON(ctx, vals)
}

func (s *Server) GetNamesHandler(ctx *fasthttp.RequestCtx) {
	_, docID, err := getCollDoc(ctx)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	var names []string
	err = s.store.View(ctx, func(tx storage.Tx) error {
		names, err = s.cnt.CounterNames(tx, docID)
		return err
	})
	if err != nil {
		writeError(ctx, "err getting", err)
		return
	}
	if len(names) == 0 {
		ctx.Error("not found", 404)
		return
	}
	writeJSON(ctx, names)
}
