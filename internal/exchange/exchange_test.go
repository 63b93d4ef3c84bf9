package exchange

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"ledgerflow/internal/model"
	"ledgerflow/internal/sched"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{200, nil},
		{204, nil},
		{401, ErrInvalidClient},
		{403, ErrInvalidClient},
		{500, ErrExchangeUnavailable},
		{503, ErrExchangeUnavailable},
	}
	for _, tc := range cases {
		if got := ClassifyStatus(tc.status, nil); !errors.Is(got, tc.want) {
			t.Fatalf("status %d: got %v, want %v", tc.status, got, tc.want)
		}
	}

	var rl *RateLimitError
	if err := ClassifyStatus(http.StatusTooManyRequests, nil); !errors.As(err, &rl) {
		t.Fatalf("429: got %v, want RateLimitError", err)
	}

	var re *ResponseError
	if err := ClassifyStatus(400, []byte("bad symbol")); !errors.As(err, &re) {
		t.Fatalf("400: got %v, want ResponseError", err)
	} else if re.Status != 400 || re.Body != "bad symbol" {
		t.Fatalf("response error = %+v", re)
	}
}

func TestSignHMAC(t *testing.T) {
	// Known vector: HMAC-SHA256("key", "message").
	got := SignHMAC("key", "message")
	want := "6e9ef29b75fffc5b7abae527d58fdadb2fe42e7219011976917343065f58ed4a"
	if got != want {
		t.Fatalf("sign = %s, want %s", got, want)
	}
}

func TestCanonicalQuerySortsKeys(t *testing.T) {
	q := CanonicalQuery(map[string]string{
		"symbol":    "BTCUSDT",
		"accountId": "1",
		"limit":     "100",
	})
	want := "accountId=1&limit=100&symbol=BTCUSDT"
	if q != want {
		t.Fatalf("query = %q, want %q", q, want)
	}
}

func TestCanonicalQueryEscapes(t *testing.T) {
	q := CanonicalQuery(map[string]string{"a b": "c&d"})
	if q != "a+b=c%26d" {
		t.Fatalf("query = %q", q)
	}
}

func TestSortExecutionsStable(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	execs := []*model.Execution{
		{ID: 3, Time: base.Add(time.Minute)},
		{ID: 1, Time: base},
		{ID: 2, Time: base},
	}
	SortExecutions(execs)
	if execs[0].ID != 1 || execs[1].ID != 2 || execs[2].ID != 3 {
		t.Fatalf("order = %d %d %d", execs[0].ID, execs[1].ID, execs[2].ID)
	}
}

func TestRegistry(t *testing.T) {
	Register("fake", func(client *model.Client, creds Credentials, scheduler *sched.Scheduler, opts Options) (Worker, error) {
		return nil, errors.New("fake factory called")
	})

	if _, err := New(&model.Client{Exchange: "fake"}, Credentials{}, nil, Options{}); err == nil || err.Error() != "fake factory called" {
		t.Fatalf("new = %v", err)
	}
	if _, err := New(&model.Client{Exchange: "nope"}, Credentials{}, nil, Options{}); err == nil {
		t.Fatalf("unknown exchange should fail")
	}

	found := false
	for _, name := range Supported() {
		if name == "fake" {
			found = true
		}
	}
	if !found {
		t.Fatalf("registered exchange missing from Supported: %v", Supported())
	}
}
