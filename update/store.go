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

package update

import (
	"context"
	"sync"

	"github.com/agrimodel/agrisync/cloud"
	"github.com/agrimodel/agrisync/stats"
)

// A CacheStore serves mask and region rasters out of object storage,
// fetching each at most once per process. Masks and regions change
// rarely; restarting the process picks up replacements.
type CacheStore struct {
	Gateway *cloud.Gateway
	Dir     string

	mu    sync.Mutex
	paths map[string]string
}

func (s *CacheStore) Mask(ctx context.Context, product, mask string) (string, error) {
	return s.fetch(ctx, cloud.MaskPrefix+product+"."+mask+".tif")
}

func (s *CacheStore) Region(ctx context.Context, product, region string) (string, error) {
	return s.fetch(ctx, cloud.RegionPrefix+product+"."+region+".tif")
}

func (s *CacheStore) fetch(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paths == nil {
		s.paths = map[string]string{}
	}
	if p, ok := s.paths[key]; ok {
		return p, nil
	}
	ok, err := s.Gateway.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", stats.ErrNoRaster
	}
	p, err := s.Gateway.Fetch(ctx, key, s.Dir)
	if err != nil {
		return "", err
	}
	s.paths[key] = p
	return p, nil
}
