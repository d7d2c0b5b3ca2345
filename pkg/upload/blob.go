package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const oneMiB = 1 << 20

// Azure block blob scale limits.
//
// https://docs.microsoft.com/en-us/azure/storage/blobs/scalability-targets#scale-targets-for-blob-storage
const (
	maxBlocks    = 50_000
	maxBlockSize = 4000 * oneMiB
)

// DefaultBlockSizeMiB caps per-block memory while keeping huge images
// within the block-count limit.
const DefaultBlockSizeMiB = 100

// DefaultConcurrency keeps a single default storage account usable by
// ~1000 hosts uploading simultaneously under Azure's default request
// rate limits.
const DefaultConcurrency = 10

// BlobOptions configures a BlobUploader.
type BlobOptions struct {
	// BlockSizeMiB is the upload chunk size. Zero means
	// DefaultBlockSizeMiB; the effective size grows as needed to keep
	// the block count within Azure's limit.
	BlockSizeMiB int

	// Concurrency is the number of parallel block uploads. Zero means
	// DefaultConcurrency.
	Concurrency int
}

// DefaultBlobOptions returns the default block size and concurrency.
func DefaultBlobOptions() BlobOptions {
	return BlobOptions{
		BlockSizeMiB: DefaultBlockSizeMiB,
		Concurrency:  DefaultConcurrency,
	}
}

// BlobUploader uploads a file to a block-blob endpoint through a
// pre-signed SAS URL: sequential block production feeding a bounded
// worker pool, per-block retry, and a single ordered commit.
type BlobUploader struct {
	url         *url.URL
	blockSize   int
	concurrency int
}

// NewBlobUploader creates an uploader for the given SAS URL. The URL is
// treated as opaque beyond appending the comp/blockid parameters.
func NewBlobUploader(rawURL string, opts BlobOptions) (*BlobUploader, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid SAS URL %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("invalid SAS URL scheme %q", u.Scheme)
	}

	if opts.BlockSizeMiB <= 0 {
		opts.BlockSizeMiB = DefaultBlockSizeMiB
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	return &BlobUploader{
		url:         u,
		blockSize:   opts.BlockSizeMiB * oneMiB,
		concurrency: opts.Concurrency,
	}, nil
}

// UploadFile uploads path as a block blob and commits the block list.
func (b *BlobUploader) UploadFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "unable to open %s", path)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "unable to stat %s", path)
	}

	blockSize, err := calcBlockSize(fi.Size(), b.blockSize)
	if err != nil {
		return err
	}
	return b.uploadStream(ctx, f, fi.Size(), blockSize)
}

// calcBlockSize grows the requested block size until the payload fits
// within the block-count limit, and rejects payloads no block size can
// accommodate.
func calcBlockSize(fileSize int64, requested int) (int, error) {
	if fileSize > int64(maxBlocks)*int64(maxBlockSize) {
		return 0, errors.New("file is too large for a block blob")
	}

	blockSize := int64(requested)
	if min := (fileSize + maxBlocks - 1) / maxBlocks; blockSize < min {
		// round up to a whole MiB
		blockSize = (min + oneMiB - 1) / oneMiB * oneMiB
	}
	if blockSize > maxBlockSize {
		blockSize = maxBlockSize
	}
	return int(blockSize), nil
}

// block is one in-flight upload unit.
type block struct {
	index int
	id    string
	data  []byte
}

// blockID renders a block index as the remote id: a fixed-width decimal
// string, base64-encoded. Fixed width keeps the committed list ordering
// identical to the numeric ordering.
func blockID(index int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%032d", index)))
}

func (b *BlobUploader) uploadStream(ctx context.Context, r io.Reader, size int64, blockSize int) error {
	st := newStatus(size, "uploading")
	defer st.done()

	// Capacity 1 bounds peak memory to roughly (concurrency+2) blocks
	// while keeping the producer one block ahead.
	blocks := make(chan block, 1)

	// The id ledger is owned by the producer; workers never see it. It
	// is read only after Wait, which orders it before the commit.
	var ids []string

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(blocks)
		for index := 0; ; index++ {
			buf := make([]byte, blockSize)
			n, err := io.ReadFull(r, buf)
			if err == io.EOF {
				return nil
			}
			if err != nil && err != io.ErrUnexpectedEOF {
				return errors.Wrap(err, "unable to read block")
			}

			blk := block{index: index, id: blockID(index), data: buf[:n]}
			ids = append(ids, blk.id)

			select {
			case blocks <- blk:
			case <-gctx.Done():
				return gctx.Err()
			}

			if n < blockSize {
				return nil
			}
		}
	})

	for i := 0; i < b.concurrency; i++ {
		g.Go(func() error {
			for blk := range blocks {
				if err := b.putBlock(gctx, blk); err != nil {
					return err
				}
				st.add(len(blk.data))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return uploadFailed(err)
	}
	return b.commit(ctx, ids)
}

// putBlock uploads a single block, retrying transient failures.
func (b *BlobUploader) putBlock(ctx context.Context, blk block) error {
	u := *b.url
	q := u.Query()
	q.Set("comp", "block")
	q.Set("blockid", blk.id)
	u.RawQuery = q.Encode()

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(blk.data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.ContentLength = int64(len(blk.data))

		resp, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return checkStatus(resp)
	}

	err := backoff.Retry(op, backoff.WithContext(newRetryPolicy(), ctx))
	return errors.Wrapf(err, "block %d", blk.index)
}

// blockList is the XML body of the commit request.
type blockList struct {
	XMLName xml.Name `xml:"BlockList"`
	Latest  []string `xml:"Latest"`
}

// commit materializes the blob from the ordered block id list.
func (b *BlobUploader) commit(ctx context.Context, ids []string) error {
	body, err := xml.Marshal(blockList{Latest: ids})
	if err != nil {
		return errors.Wrap(err, "unable to encode block list")
	}
	body = append([]byte(xml.Header), body...)

	u := *b.url
	q := u.Query()
	q.Set("comp", "blocklist")
	u.RawQuery = q.Encode()

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/xml")

		resp, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return checkStatus(resp)
	}

	err = backoff.Retry(op, backoff.WithContext(newRetryPolicy(), ctx))
	return uploadFailed(errors.Wrap(err, "unable to commit block list"))
}
