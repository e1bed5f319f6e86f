package client

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"time"
)

// ErrDownloadExhausted is raised when the resume loop has kept failing for
// three attempts after the backoff saturated. It is fatal to the current
// deployment.
var ErrDownloadExhausted = errors.New("artifact download retries exhausted")

const (
	downloadChunkSize  = 1 << 20 // stream and discard in 1 MiB chunks
	minBackoffInterval = time.Minute
	attemptsPerBackoff = 3
)

// contentRangeRe matches "bytes A-B/C" with C decimal or "*".
var contentRangeRe = regexp.MustCompile(`^bytes ([0-9]+)-([0-9]+)/([0-9]+|\*)?$`)

// parseContentRange returns the first-byte position of a Content-Range
// header, rejecting any form outside the grammar above.
func parseContentRange(header string) (int64, error) {
	groups := contentRangeRe.FindStringSubmatch(header)
	if groups == nil {
		return 0, fmt.Errorf("malformed Content-Range header %q", header)
	}
	return strconv.ParseInt(groups[1], 10, 64)
}

// backoffInterval is the grouped exponential schedule: attempts come in
// triples, the interval doubles per triple and saturates at maxInterval.
// Three attempts past saturation exhausts the download.
func backoffInterval(tried int, minInterval, maxInterval time.Duration) (time.Duration, error) {
	if minInterval <= 0 {
		minInterval = minBackoffInterval
	}
	if maxInterval < minInterval {
		maxInterval = minInterval
	}
	interval := minInterval
	next := minInterval
	for c := 0; c <= tried/attemptsPerBackoff; c++ {
		interval = next
		next *= 2
		if interval >= maxInterval {
			if tried-c*attemptsPerBackoff >= attemptsPerBackoff {
				return 0, ErrDownloadExhausted
			}
			return maxInterval, nil
		}
	}
	return interval, nil
}

// Downloader streams a deployment artifact to disk, resuming with Range
// requests against servers that support them and starting over against ones
// that do not.
type Downloader struct {
	Client *http.Client

	// MinInterval and MaxInterval bound the retry backoff schedule.
	MinInterval time.Duration
	MaxInterval time.Duration

	sleep func(time.Duration)
}

// NewDownloader returns a Downloader with the standard one-minute backoff
// unit and the given ceiling.
func NewDownloader(client *http.Client, maxInterval time.Duration) *Downloader {
	return &Downloader{
		Client:      client,
		MinInterval: minBackoffInterval,
		MaxInterval: maxInterval,
		sleep:       time.Sleep,
	}
}

// download tracks the progress of one artifact transfer.
type download struct {
	file       *os.File
	uri        string
	offset     int64
	length     int64
	haveLength bool
}

// Download fetches uri into artifactPath, byte-identical to the server's
// response body. It retries with the backoff schedule until complete,
// exhausted, or failed fatally.
func (d *Downloader) Download(uri, artifactPath string) error {
	f, err := os.OpenFile(artifactPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating the artifact file: %w", err)
	}
	defer f.Close()

	slog.Info("Downloading artifact", "uri", uri, "path", artifactPath)
	state := &download{file: f, uri: uri, length: -1}
	sleep := d.sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	for tried := 0; ; tried++ {
		fatal, err := d.attempt(state)
		if fatal {
			return err
		}
		if err == nil {
			if !state.haveLength || state.offset >= state.length {
				slog.Info("Artifact downloaded", "bytes", state.offset)
				return nil
			}
			err = fmt.Errorf("response ended at offset %d of %d", state.offset, state.length)
		}
		slog.Error("Artifact download attempt failed", "error", err, "offset", state.offset)

		wait, berr := backoffInterval(tried, d.MinInterval, d.MaxInterval)
		if berr != nil {
			return berr
		}
		slog.Info("Retrying the artifact download", "in", wait)
		sleep(wait)
	}
}

// attempt performs one request and streams as much of the body as the
// server delivers. It returns fatal=true for conditions no retry can fix.
func (d *Downloader) attempt(s *download) (fatal bool, err error) {
	req, err := http.NewRequest(http.MethodGet, s.uri, nil)
	if err != nil {
		return true, err
	}
	// Only resume once the total length is known from a first response.
	ranged := s.haveLength
	if ranged {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", s.offset))
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return false, fmt.Errorf("unexpected status %s", resp.Status)
	}

	// A plain GET always restarts the body from byte zero.
	if !ranged && s.offset > 0 {
		s.offset = 0
		if err := s.file.Truncate(0); err != nil {
			return true, err
		}
	}

	if !s.haveLength && resp.ContentLength >= 0 {
		s.length = resp.ContentLength
		s.haveLength = true
	}

	if ranged {
		if resp.StatusCode != http.StatusPartialContent {
			// The server ignored the range; start over from zero.
			slog.Info("The server ignored the range request, restarting the download")
			s.offset = 0
			if err := s.file.Truncate(0); err != nil {
				return true, err
			}
		} else {
			serverOffset, perr := parseContentRange(resp.Header.Get("Content-Range"))
			if perr != nil {
				return true, perr
			}
			switch {
			case serverOffset > s.offset:
				return true, fmt.Errorf("the server skipped ahead to offset %d, we only have %d",
					serverOffset, s.offset)
			case serverOffset < s.offset:
				if err := discard(resp.Body, s.offset-serverOffset); err != nil {
					return false, err
				}
			}
		}
	}

	if _, err := s.file.Seek(s.offset, io.SeekStart); err != nil {
		return true, err
	}
	return false, s.stream(resp.Body)
}

// stream copies the body in 1 MiB chunks, advancing the offset and flushing
// after each chunk so every persisted byte is final.
func (s *download) stream(body io.Reader) error {
	buf := make([]byte, downloadChunkSize)
	for {
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			if _, werr := s.file.Write(buf[:n]); werr != nil {
				return werr
			}
			s.offset += int64(n)
			if serr := s.file.Sync(); serr != nil {
				return serr
			}
		}
		switch err {
		case nil:
			continue
		case io.EOF, io.ErrUnexpectedEOF:
			return nil
		default:
			return err
		}
	}
}

// discard drops n bytes the server re-sent that are already on disk.
func discard(body io.Reader, n int64) error {
	_, err := io.CopyN(io.Discard, body, n)
	return err
}
