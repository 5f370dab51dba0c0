package main

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"testing"
	"time"

	"dragoncounters/cd"
	"dragoncounters/storage"
	"github.com/cockroachdb/pebble/vfs"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"go.uber.org/zap/zaptest"
)

type testServer struct {
	t   *testing.T
	srv *Server
	c   *fasthttp.Client
}

// newTestServer serves a fresh in-memory store over an in-memory
// listener. Writes go through group commit.
func newTestServer(t *testing.T, nodeTag string) *testServer {
	t.Helper()
	p, err := storage.OpenPebble(storage.PebbleOptions{
		Path:          "test.db",
		FS:            vfs.NewMem(),
		GroupCommit:   true,
		FlushInterval: time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- p.FlushLoop(ctx)
	}()

	srv, err := NewServer(context.Background(), p, nodeTag, zaptest.NewLogger(t))
	require.NoError(t, err)

	ln := fasthttputil.NewInmemoryListener()
	hs := newHTTPServer(srv.Router().Handler)
	go func() {
		_ = hs.Serve(ln)
	}()
	c := &fasthttp.Client{
		Dial: func(string) (net.Conn, error) {
			return ln.Dial()
		},
	}
	t.Cleanup(func() {
		c.CloseIdleConnections()
		_ = hs.Shutdown()
		cancel()
		assert.NoError(t, <-loopDone)
		assert.NoError(t, p.Close())
	})
	return &testServer{t: t, srv: srv, c: c}
}

type response struct {
	code int
	body []byte
	etag string
}

func (ts *testServer) try(method, uri string, body []byte) (response, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI("http://counters" + uri)
	if body != nil {
		req.SetBody(body)
	}
	if err := ts.c.Do(req, resp); err != nil {
		return response{}, err
	}
	return response{
		code: resp.StatusCode(),
		body: append([]byte(nil), resp.Body()...),
		etag: string(resp.Header.Peek("Etag")),
	}, nil
}

func (ts *testServer) do(method, uri string, body []byte) response {
	ts.t.Helper()
	r, err := ts.try(method, uri, body)
	require.NoError(ts.t, err)
	return r
}

func (ts *testServer) value(uri string) int64 {
	ts.t.Helper()
	r := ts.do("GET", uri, nil)
	require.Equal(ts.t, 200, r.code, string(r.body))
	v, err := strconv.ParseInt(string(r.body), 10, 64)
	require.NoError(ts.t, err)
	return v
}

func (ts *testServer) changes(uri string) cd.ChangeBatch {
	ts.t.Helper()
	r := ts.do("GET", uri, nil)
	require.Equal(ts.t, 200, r.code, string(r.body))
	var batch cd.ChangeBatch
	_, err := batch.UnmarshalMsg(r.body)
	require.NoError(ts.t, err)
	return batch
}

func TestCounterAPI(t *testing.T) {
	ts := newTestServer(t, "A")
	const uri = "/db/posts/cnt/1/likes"

	r := ts.do("POST", uri+"?add=5", nil)
	require.Equal(t, 200, r.code, string(r.body))
	assert.Equal(t, "5", string(r.body))
	assert.NotEmpty(t, r.etag)

	r = ts.do("POST", uri+"?add=-2", nil)
	assert.Equal(t, "3", string(r.body))
	assert.EqualValues(t, 3, ts.value(uri))

	r = ts.do("POST", uri+"?set=42", nil)
	assert.Equal(t, "42", string(r.body))

	ts.do("POST", "/db/posts/cnt/1/views?add=1", nil)
	r = ts.do("GET", "/db/posts/cnt/1", nil)
	require.Equal(t, 200, r.code)
	var names []string
	require.NoError(t, json.Unmarshal(r.body, &names))
	assert.Equal(t, []string{"likes", "views"}, names)

	r = ts.do("GET", uri+"/sources", nil)
	require.Equal(t, 200, r.code)
	var sources []map[string]interface{}
	require.NoError(t, json.Unmarshal(r.body, &sources))
	require.Len(t, sources, 1)
	assert.Equal(t, ts.srv.cnt.Source(), sources[0]["source"])
	assert.EqualValues(t, 42, sources[0]["value"])

	// document ids are case insensitive, counter names are not
	assert.EqualValues(t, 42, ts.value("/db/Posts/cnt/1/likes"))
	assert.Equal(t, 404, ts.do("GET", "/db/posts/cnt/1/Likes", nil).code)

	assert.Equal(t, 200, ts.do("DELETE", uri, nil).code)
	assert.Equal(t, 404, ts.do("GET", uri, nil).code)
	assert.Equal(t, 404, ts.do("DELETE", uri, nil).code)
	assert.Equal(t, 404, ts.do("GET", uri+"/sources", nil).code)

	// increment after delete starts over
	assert.Equal(t, "1", string(ts.do("POST", uri+"?add=1", nil).body))

	assert.Equal(t, 200, ts.do("DELETE", "/db/posts/cnt/1", nil).code)
	assert.Equal(t, 404, ts.do("GET", "/db/posts/cnt/1", nil).code)
	assert.Equal(t, 404, ts.do("DELETE", "/db/posts/cnt/1", nil).code)
	assert.Equal(t, 404, ts.do("GET", "/nothing/here", nil).code)
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t, "A")
	for _, tt := range []struct {
		method, uri string
	}{
		{"POST", "/db/posts/cnt/1/likes"},
		{"POST", "/db/posts/cnt/1/likes?add=1&set=2"},
		{"POST", "/db/posts/cnt/1/likes?add=abc"},
		{"POST", "/db/posts/cnt/1/likes?add=99999999999999999999"},
		{"GET", "/db/posts/cnt/1/likes?wait=100"},
		{"GET", "/db/posts/cnt/1/likes?wait=-1"},
		{"GET", "/db/posts/cnt/1/likes?etag=x"},
		{"GET", "/changes?take=-1"},
		{"GET", "/db/posts/changes?skip=-1"},
		{"GET", "/db/posts/changes/count?after=x"},
		{"POST", "/replication/apply"},
	} {
		t.Run(tt.method+" "+tt.uri, func(t *testing.T) {
			assert.Equal(t, 400, ts.do(tt.method, tt.uri, nil).code)
		})
	}
}

func TestOverflowIsConflict(t *testing.T) {
	ts := newTestServer(t, "A")
	const uri = "/db/posts/cnt/1/likes"
	r := ts.do("POST", fmt.Sprintf("%s?set=%d", uri, int64(math.MaxInt64)), nil)
	require.Equal(t, 200, r.code, string(r.body))

	r = ts.do("POST", uri+"?add=1", nil)
	assert.Equal(t, 409, r.code)
	assert.EqualValues(t, int64(math.MaxInt64), ts.value(uri))
}

func TestLongPoll(t *testing.T) {
	ts := newTestServer(t, "A")
	const uri = "/db/posts/cnt/1/likes"
	etag := ts.do("POST", uri+"?add=1", nil).etag

	r := ts.do("GET", uri+"?wait=1&etag="+etag, nil)
	assert.Equal(t, 304, r.code)

	// a stale etag answers right away
	r = ts.do("GET", uri+"?wait=30&etag=0", nil)
	assert.Equal(t, 200, r.code)
	assert.Equal(t, etag, r.etag)

	got := make(chan response, 1)
	go func() {
		r, err := ts.try("GET", uri+"?wait=30&etag="+etag, nil)
		if err != nil {
			r.body = []byte(err.Error())
		}
		got <- r
	}()
	time.Sleep(100 * time.Millisecond)
	ts.do("POST", uri+"?add=2", nil)

	select {
	case r := <-got:
		assert.Equal(t, 200, r.code)
		assert.Equal(t, "3", string(r.body))
		assert.NotEqual(t, etag, r.etag)
	case <-time.After(10 * time.Second):
		t.Fatal("long poll was not woken up")
	}
}

func TestReplicationOverHTTP(t *testing.T) {
	a, b := newTestServer(t, "A"), newTestServer(t, "B")
	a.do("POST", "/db/posts/cnt/1/likes?add=5", nil)
	a.do("POST", "/db/posts/cnt/2/likes?add=1", nil)
	a.do("POST", "/db/users/cnt/1/logins?add=1", nil)
	a.do("DELETE", "/db/posts/cnt/2/likes", nil)
	b.do("POST", "/db/posts/cnt/1/likes?add=3", nil)

	batch := a.changes("/changes?from=0")
	require.Len(t, batch.Records, 3)
	assert.Equal(t, batch.Records[2].Etag, batch.LastEtag)
	assert.Equal(t, "users/1", batch.Records[1].Key)

	page := a.changes("/changes?from=0&take=1")
	require.Len(t, page.Records, 1)
	assert.Equal(t, "posts/1", page.Records[0].Key)

	body, err := batch.MarshalMsg(nil)
	require.NoError(t, err)
	r := b.do("POST", "/replication/apply", body)
	require.Equal(t, 200, r.code, string(r.body))
	assert.JSONEq(t, `{"records":3,"changed":3}`, string(r.body))

	r = b.do("POST", "/replication/apply", body)
	assert.JSONEq(t, `{"records":3,"changed":0}`, string(r.body))

	assert.EqualValues(t, 8, b.value("/db/posts/cnt/1/likes"))
	assert.EqualValues(t, 1, b.value("/db/users/cnt/1/logins"))
	assert.Equal(t, 404, b.do("GET", "/db/posts/cnt/2/likes", nil).code)

	coll := b.changes("/db/posts/changes?from=0&skip=1&take=10")
	require.Len(t, coll.Records, 1)
	assert.Equal(t, "posts", coll.Records[0].Collection)

	r = b.do("GET", fmt.Sprintf("/db/posts/changes/count?after=%d", coll.Records[0].Etag), nil)
	require.Equal(t, 200, r.code)
	assert.JSONEq(t, `{"toProcess":0,"total":2}`, string(r.body))

	// and back again
	back := b.changes("/changes")
	body, err = back.MarshalMsg(nil)
	require.NoError(t, err)
	a.do("POST", "/replication/apply", body)
	assert.EqualValues(t, 8, a.value("/db/posts/cnt/1/likes"))
}

func TestReplicationSkipsFailedRecords(t *testing.T) {
	a, b := newTestServer(t, "A"), newTestServer(t, "B")
	a.do("POST", "/db/posts/cnt/1/likes?add=5", nil)
	a.do("POST", "/db/posts/cnt/2/likes?add=1", nil)
	a.do("POST", "/db/users/cnt/1/logins?add=2", nil)

	// B's own row of posts/2 cannot be decoded
	require.NoError(t, b.srv.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.Put(storage.Row{Key: "posts/2", Collection: "posts", Etag: 1 << 40, Value: []byte{0xc1}})
	}))

	batch := a.changes("/changes?from=0")
	require.Len(t, batch.Records, 3)
	bad := batch.Records[0]
	bad.Key = ""
	batch.Records = append(batch.Records, bad)
	body, err := batch.MarshalMsg(nil)
	require.NoError(t, err)

	r := b.do("POST", "/replication/apply", body)
	require.Equal(t, 200, r.code, string(r.body))
	assert.JSONEq(t, `{"records":4,"changed":2,"failed":["posts/2",""]}`, string(r.body))

	assert.EqualValues(t, 5, b.value("/db/posts/cnt/1/likes"))
	assert.EqualValues(t, 2, b.value("/db/users/cnt/1/logins"))
	assert.Equal(t, 500, b.do("GET", "/db/posts/cnt/2/likes", nil).code)
}

func TestMetadataSync(t *testing.T) {
	ts := newTestServer(t, "A")
	ts.do("POST", "/db/posts/cnt/1/likes?add=1", nil)
	ts.do("POST", "/db/posts/cnt/1/likes?add=1", nil)
	ts.do("POST", "/db/posts/cnt/1/views?add=1", nil)

	meta := func() string {
		var out []byte
		require.NoError(t, ts.srv.store.View(context.Background(), func(tx storage.Tx) (err error) {
			out, err = tx.GetMeta(docMetaPrefix + "posts/1")
			return err
		}))
		return string(out)
	}
	assert.JSONEq(t, `["likes","views"]`, meta())

	ts.do("DELETE", "/db/posts/cnt/1/likes", nil)
	assert.JSONEq(t, `["views"]`, meta())

	ts.do("DELETE", "/db/posts/cnt/1", nil)
	assert.Equal(t, "null", meta())
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t, "A")
	ts.do("POST", "/db/posts/cnt/1/likes?add=1", nil)
	r := ts.do("GET", "/metrics", nil)
	require.Equal(t, 200, r.code)
	assert.True(t, bytes.Contains(r.body, []byte(`dragoncounters_counters_mutations_total{kind="increment"} 1`)), string(r.body))
	assert.True(t, bytes.Contains(r.body, []byte(`dragoncounters_http_request_duration_seconds_count{route="update"} 1`)))
}
