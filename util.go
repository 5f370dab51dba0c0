package main

import (
	"strconv"

	"dragoncounters/counters"
	"dragoncounters/storage"
	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
)

func userValue(ctx *fasthttp.RequestCtx, key string) string {
	v, _ := ctx.UserValue(key).(string)
	return v
}

// getCollDoc returns the collection and the document id. Documents are
// addressed as <coll>/<doc>, the way the change feed reports them.
func getCollDoc(ctx *fasthttp.RequestCtx) (string, string, error) {
	coll := userValue(ctx, "coll")
	if err := storage.ValidateKey("coll", coll); err != nil {
		return "", "", err
	}
	doc := userValue(ctx, "doc")
	if err := storage.ValidateKey("doc", doc); err != nil {
		return "", "", err
	}
	return coll, coll + "/" + doc, nil
}

func getCounterParams(ctx *fasthttp.RequestCtx) (string, string, string, error) {
	coll, docID, err := getCollDoc(ctx)
	if err != nil {
		return "", "", "", err
	}
	name := userValue(ctx, "name")
	if err := counters.ValidateName(name); err != nil {
		return "", "", "", err
	}
	return coll, docID, name, nil
}

// queryInt64 parses an optional query argument, def when it is missing.
func queryInt64(ctx *fasthttp.RequestCtx, key string, def int64) (int64, error) {
	v := ctx.QueryArgs().Peek(key)
	if len(v) == 0 {
		return def, nil
	}
	if len(v) > 20 {
		return 0, errors.Newf("%s is too long", key)
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to parse %s", key)
	}
	return n, nil
}

func writeJSON(ctx *fasthttp.RequestCtx, v interface{}) {
	d, err := json.Marshal(v)
	if err != nil {
		ctx.Error("err marshaling: "+err.Error(), 500)
		return
	}
	ctx.SetContentType("application/json")
	_, _ = ctx.Write(d)
}

func writeInt64(ctx *fasthttp.RequestCtx, v int64) {
	_, _ = ctx.Write(strconv.AppendInt(nil, v, 10))
}

// writeError maps err to a status code.
func writeError(ctx *fasthttp.RequestCtx, msg string, err error) {
	code := 500
	switch {
	case errors.Is(err, counters.ErrOverflow):
		code = 409
	case errors.Is(err, storage.ErrNotFound):
		code = 404
	case errors.Is(err, storage.ErrClosed):
		code = 503
	}
	ctx.Error(msg+": "+err.Error(), code)
}
