package client

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffSchedule(t *testing.T) {
	min := time.Minute
	cases := []struct {
		tried     int
		max       time.Duration
		want      time.Duration
		exhausted bool
	}{
		{0, 1 * time.Minute, 1 * time.Minute, false},
		{1, 1 * time.Minute, 1 * time.Minute, false},
		{2, 1 * time.Minute, 1 * time.Minute, false},
		{3, 1 * time.Minute, 0, true},

		{0, 2 * time.Minute, 1 * time.Minute, false},
		{3, 2 * time.Minute, 2 * time.Minute, false},
		{5, 2 * time.Minute, 2 * time.Minute, false},
		{6, 2 * time.Minute, 0, true},

		{0, 10 * time.Minute, 1 * time.Minute, false},
		{3, 10 * time.Minute, 2 * time.Minute, false},
		{5, 10 * time.Minute, 4 * time.Minute, false},
		{6, 10 * time.Minute, 8 * time.Minute, false},
		{11, 10 * time.Minute, 8 * time.Minute, false},
		{12, 10 * time.Minute, 10 * time.Minute, false},
		{14, 10 * time.Minute, 10 * time.Minute, false},
		{15, 10 * time.Minute, 0, true},

		// A ceiling below the minimum unit saturates at the minimum unit.
		{0, 1 * time.Second, 1 * time.Minute, false},
		{2, 1 * time.Second, 1 * time.Minute, false},
		{3, 1 * time.Second, 0, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("tried=%d/max=%s", tc.tried, tc.max), func(t *testing.T) {
			got, err := backoffInterval(tc.tried, min, tc.max)
			if tc.exhausted {
				assert.ErrorIs(t, err, ErrDownloadExhausted)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBackoffScheduleSmallUnit(t *testing.T) {
	// min=2s, max=5s: 2,2,2, 4,4,4, then saturated at 5 for one triple.
	for tried, want := range map[int]time.Duration{
		0: 2 * time.Second, 2: 2 * time.Second,
		3: 4 * time.Second, 5: 4 * time.Second,
		6: 5 * time.Second, 8: 5 * time.Second,
	} {
		got, err := backoffInterval(tried, 2*time.Second, 5*time.Second)
		require.NoError(t, err, "tried=%d", tried)
		assert.Equal(t, want, got, "tried=%d", tried)
	}
	_, err := backoffInterval(9, 2*time.Second, 5*time.Second)
	assert.ErrorIs(t, err, ErrDownloadExhausted)
}

func TestParseContentRange(t *testing.T) {
	for header, want := range map[string]int64{
		"bytes 0-0/*":              0,
		"bytes 2097152-10485759/*": 2097152,
		"bytes 100-200/300":        100,
	} {
		got, err := parseContentRange(header)
		require.NoError(t, err, header)
		assert.Equal(t, want, got, header)
	}
	for _, header := range []string{
		"", "bytes=0-1/2", "bytes 0-1", "bytes a-b/c", "bytes 0-1/2 trailing", "byte 0-1/2",
	} {
		_, err := parseContentRange(header)
		assert.Error(t, err, header)
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func newTestDownloader() *Downloader {
	d := NewDownloader(&http.Client{}, time.Nanosecond)
	d.MinInterval = time.Nanosecond
	return d
}

func fileHash(t *testing.T, path string) [32]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return sha256.Sum256(data)
}

func TestDownloadOneShot(t *testing.T) {
	body := randomBytes(t, 3<<20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "artifact.mender")
	require.NoError(t, newTestDownloader().Download(srv.URL, path))
	assert.Equal(t, sha256.Sum256(body), fileHash(t, path))
}

func TestDownloadResumeAfterTruncation(t *testing.T) {
	body := randomBytes(t, 3<<20)
	const cut = 1 << 20
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			// Advertise the full length but close after the first MiB.
			w.Header().Set("Content-Length", fmt.Sprint(len(body)))
			w.WriteHeader(http.StatusOK)
			w.Write(body[:cut])
			return
		}
		assert.Equal(t, fmt.Sprintf("bytes=%d-", cut), r.Header.Get("Range"))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", cut, len(body)-1))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[cut:])
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "artifact.mender")
	require.NoError(t, newTestDownloader().Download(srv.URL, path))
	assert.Equal(t, 2, calls)
	assert.Equal(t, sha256.Sum256(body), fileHash(t, path))
}

func TestDownloadServerIgnoresRange(t *testing.T) {
	body := randomBytes(t, 3<<20)
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Content-Length", fmt.Sprint(len(body)))
			w.WriteHeader(http.StatusOK)
			w.Write(body[:1<<20])
			return
		}
		// Plain 200 with the whole body, as if Range was never sent.
		w.Write(body)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "artifact.mender")
	require.NoError(t, newTestDownloader().Download(srv.URL, path))
	assert.Equal(t, 2, calls)
	assert.Equal(t, sha256.Sum256(body), fileHash(t, path))
}

func TestDownloadServerRewindsBehindOffset(t *testing.T) {
	body := randomBytes(t, 3<<20)
	const cut = 2 << 20
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Content-Length", fmt.Sprint(len(body)))
			w.WriteHeader(http.StatusOK)
			w.Write(body[:cut])
			return
		}
		// Honor the range but restart one MiB earlier than asked.
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", cut-(1<<20), len(body)-1, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[cut-(1<<20):])
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "artifact.mender")
	require.NoError(t, newTestDownloader().Download(srv.URL, path))
	assert.Equal(t, sha256.Sum256(body), fileHash(t, path))
}

func TestDownloadServerSkipsAheadIsFatal(t *testing.T) {
	body := randomBytes(t, 2<<20)
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Content-Length", fmt.Sprint(len(body)))
			w.WriteHeader(http.StatusOK)
			w.Write(body[:1<<20])
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", len(body)-10, len(body)-1))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[len(body)-10:])
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "artifact.mender")
	err := newTestDownloader().Download(srv.URL, path)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDownloadExhausted, "skipped bytes must fail fast, not retry")
}

func TestDownloadEmptyRangeResponseRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Content-Length", "10")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Range", "bytes 0-0/*")
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "artifact.mender")
	err := newTestDownloader().Download(srv.URL, path)
	assert.ErrorIs(t, err, ErrDownloadExhausted)
	assert.Greater(t, calls, 1, "an empty partial response must be retried, never accepted")
}

func TestDownloadExhaustion(t *testing.T) {
	body := randomBytes(t, 2 << 20)
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write(body[:1024])
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "artifact.mender")
	err := newTestDownloader().Download(srv.URL, path)
	assert.ErrorIs(t, err, ErrDownloadExhausted)
	assert.LessOrEqual(t, calls, 7)
}
