package upload

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Put uploads a file as the body of a single HTTP PUT request, streamed
// from disk. Transient failures are retried with the shared backoff
// schedule, re-reading the file from the start on each attempt.
func Put(ctx context.Context, path string, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrapf(err, "invalid upload URL %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("invalid upload URL scheme %q", u.Scheme)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "unable to stat %s", path)
	}
	size := fi.Size()
	st := newStatus(size, "uploading")
	defer st.done()

	op := func() error {
		f, err := os.Open(path)
		if err != nil {
			return backoff.Permanent(errors.Wrapf(err, "unable to open %s", path))
		}
		defer f.Close()

		var body io.Reader = f
		if st != nil {
			body = io.TeeReader(f, st)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.ContentLength = size
		req.Header.Set("x-ms-blob-type", "BlockBlob")

		resp, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return checkStatus(resp)
	}

	return uploadFailed(backoff.Retry(op, backoff.WithContext(newRetryPolicy(), ctx)))
}
