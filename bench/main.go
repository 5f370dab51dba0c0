package main

import (
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

const addr = "http://localhost:8080"

func newClient() *fasthttp.Client {
	return &fasthttp.Client{
		MaxConnsPerHost: 50000,
	}
}

func do(c *fasthttp.Client, method string, uri *fasthttp.URI, resp *fasthttp.Response) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetMethod(method)
	req.SetURI(uri)
	err := c.Do(req, resp)
	if err != nil {
		panic(err)
	}
	if resp.StatusCode() != 200 {
		panic(fmt.Sprintf("NON 200 status code: %v %v ", resp.StatusCode(), string(resp.Body())))
	}
}

func parseURIs(u string, docs, names int, query string) []*fasthttp.URI {
	uris := make([]*fasthttp.URI, 0, docs*names)
	for i := 0; i < docs; i++ {
		for j := 0; j < names; j++ {
			uri := fasthttp.AcquireURI()
			err := uri.Parse(nil, []byte(u+fmt.Sprintf("/db/bench/cnt/%d/c%d%s", i, j, query)))
			if err != nil {
				panic(err)
			}
			uris = append(uris, uri)
		}
	}
	return uris
}

// BenchmarkIncrement spreads increments over docs*names counters.
func BenchmarkIncrement(u string, docs, names, parallel, nPerThread int) {
	c := newClient()
	uris := parseURIs(u, docs, names, "?add=1")

	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
			defer wg.Done()
			resp := fasthttp.AcquireResponse()
			defer fasthttp.ReleaseResponse(resp)
			for j := 0; j < nPerThread; j++ {
				do(c, "POST", uris[rnd.Intn(len(uris))], resp)
			}
		}()
	}
	wg.Wait()
}

func BenchmarkRead(u string, docs, names, parallel, nPerThread int) {
	c := newClient()
	uris := parseURIs(u, docs, names, "")

	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
			defer wg.Done()
			resp := fasthttp.AcquireResponse()
			defer fasthttp.ReleaseResponse(resp)
			for j := 0; j < nPerThread; j++ {
				do(c, "GET", uris[rnd.Intn(len(uris))], resp)
			}
		}()
	}
	wg.Wait()
}

// BenchmarkWatchReaction measures how long watchers of one counter take
// to see an increment.
func BenchmarkWatchReaction(u string, parallel int) time.Duration {
	c := newClient()
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	doc := rnd.Int63()
	base := u + fmt.Sprintf("/db/watch/cnt/%d/c", doc)

	incr := fasthttp.AcquireURI()
	if err := incr.Parse(nil, []byte(base+"?add=1")); err != nil {
		panic(err)
	}
	resp := fasthttp.AcquireResponse()
	do(c, "POST", incr, resp)
	etag, err := strconv.ParseInt(string(resp.Header.Peek("Etag")), 10, 64)
	if err != nil {
		panic(err)
	}
	fasthttp.ReleaseResponse(resp)

	watch := fasthttp.AcquireURI()
	if err := watch.Parse(nil, []byte(fmt.Sprintf("%s?wait=30&etag=%d", base, etag))); err != nil {
		panic(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := fasthttp.AcquireResponse()
			defer fasthttp.ReleaseResponse(resp)
			do(c, "GET", watch, resp)
		}()
	}
	time.Sleep(time.Millisecond * 300)

	start := time.Now()
	resp = fasthttp.AcquireResponse()
	do(c, "POST", incr, resp)
	fasthttp.ReleaseResponse(resp)
	wg.Wait()
	return time.Since(start)
}

func main() {
	took := BenchmarkWatchReaction(addr, 1)
	log.Printf("WatchReaction 1 counter 1 watcher: %d ms ", took.Milliseconds())

	took = BenchmarkWatchReaction(addr, 100)
	log.Printf("WatchReaction 1 counter 100 watchers: %d ms ", took.Milliseconds())

	took = BenchmarkWatchReaction(addr, 1000)
	log.Printf("WatchReaction 1 counter 1000 watchers: %d ms ", took.Milliseconds())

	var wg sync.WaitGroup
	var mu sync.Mutex
	tt := []int64{}
	start := time.Now()
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk := BenchmarkWatchReaction(addr, 1).Milliseconds()
			mu.Lock()
			tt = append(tt, tk)
			mu.Unlock()
		}()
	}
	wg.Wait()
	sum := int64(0)
	max := int64(0)
	min := int64(999999)
	for _, t := range tt {
		sum += t
		if max < t {
			max = t
		}
		if min > t {
			min = t
		}
	}
	log.Printf("WatchReaction 1000 counters 1 watcher per counter: min %d ms,avg %.1f ms,  max %d ms,  total delay: %d ms ",
		min, float64(sum)/float64(len(tt)), max, time.Since(start).Milliseconds())

	parallel := 1000
	perThread := 100
	total := float64(parallel * perThread)

	start = time.Now()
	BenchmarkIncrement(addr, 1, 1, parallel, perThread)
	log.Printf("increment for 1 doc and 1 counter: %.1fk req/sec", total/time.Since(start).Seconds()/1000)
	start = time.Now()
	BenchmarkIncrement(addr, 1, 100, parallel, perThread)
	log.Printf("increment for 1 doc and 100 counters: %.1fk req/sec", total/time.Since(start).Seconds()/1000)
	start = time.Now()
	BenchmarkIncrement(addr, 1000, 1, parallel, perThread)
	log.Printf("increment for 1000 docs and 1 counter: %.1fk req/sec", total/time.Since(start).Seconds()/1000)
	start = time.Now()
	BenchmarkIncrement(addr, 1000, 10, parallel, perThread)
	log.Printf("increment for 1000 docs and 10 counters: %.1fk req/sec", total/time.Since(start).Seconds()/1000)

	start = time.Now()
	BenchmarkRead(addr, 1000, 1, parallel, perThread)
	log.Printf("read for 1000 docs and 1 counter: %.1fk req/sec", total/time.Since(start).Seconds()/1000)
}
