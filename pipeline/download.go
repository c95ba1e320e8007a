/*
Copyright © 2019 the AgriSync authors.
This file is part of AgriSync.

AgriSync is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

AgriSync is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with AgriSync.  If not, see <http://www.gnu.org/licenses/>.
*/

package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/agrimodel/agrisync"
	"github.com/agrimodel/agrisync/product"
	"github.com/cenkalti/backoff/v4"
)

const defaultRetries = 3

func (p *Pipeline) retries() uint64 {
	if p.Retries > 0 {
		return p.Retries
	}
	return defaultRetries
}

// download streams src to dest, retrying transient failures with
// exponential backoff. A short read against the server's declared
// Content-Length deletes the partial file and counts as transient.
func (p *Pipeline) download(ctx context.Context, src product.DownloadSource, dest string) error {
	op := func() error {
		err := p.downloadOnce(ctx, src, dest)
		if err != nil && !agrisync.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.retries()), ctx))
}

func (p *Pipeline) downloadOnce(ctx context.Context, src product.DownloadSource, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return fmt.Errorf("pipeline: building request for %s: %v", src.URL, err)
	}
	if src.User != "" {
		req.SetBasicAuth(src.User, src.Pass)
	}
	resp, err := p.Registry.Client().Do(req)
	if err != nil {
		return &agrisync.TransientError{Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("pipeline: %s: gone since probe", src.URL)
	case resp.StatusCode >= 500:
		return &agrisync.TransientError{Err: fmt.Errorf("%s: status %s", src.URL, resp.Status)}
	default:
		return fmt.Errorf("pipeline: %s: unexpected status %s", src.URL, resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("pipeline: %v", err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return &agrisync.TransientError{Err: fmt.Errorf("streaming %s: %v", src.URL, err)}
	}
	if want := resp.ContentLength; want >= 0 && n != want {
		os.Remove(dest)
		return &agrisync.TransientError{Err: fmt.Errorf("%s: got %d bytes, want %d", src.URL, n, want)}
	}
	return nil
}
