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

// Package stats generates and maintains the per-region statistics
// tables: which mask and region combinations get aggregates, how the
// aggregates are written into the wide per-year tables, and how holes
// in those tables are found and repaired.
package stats

import "sort"

// NoMask is the pseudo-mask pairing a region with no crop restriction.
const NoMask = "nomask"

// Region inventories. The global administrative layer pairs with the
// crop-monitor masks; the Brazilian subdivision layers pair with the
// safra masks.
var (
	GlobalRegions = []string{"gaul1"}

	BrazilRegions = []string{
		"BR_Mesoregion", "BR_Microregion", "BR_Municipality", "BR_State",
	}
)

// Mask inventories.
var (
	CropMonitorMasks = []string{
		"maize", "rice", "soybean", "springwheat", "winterwheat", "cropland",
	}

	// BrazilMasks are the safra-season masks, named for the season
	// shapefiles they were rasterized from.
	BrazilMasks = []string{
		"2S-DFZSafraZ2013_2014", "2S-GOZSafraZ2013_2014", "2S-MAZSafraZ2013_2014",
		"2S-MGZSafraZ2013_2014", "2S-MSZSafraZ2013_2014", "2S-MTZSafraZ2013_2014",
		"2S-PIZSafraZ2013_2014", "2S-PRZSafraZ2012_2013", "2S-SPZSafraZ2013_2014",
		"2S-TOZSafraZ2013_2014", "CV-DFZSafraZ2017_2018", "CV-GOZSafraZ2014_2015",
		"CV-MATOPIBAZSafraZ2013_2014", "CV-MGZSafraZ2013_2014", "CV-MSZSafraZ2014_2015",
		"CV-MTZSafraZ2014_2015", "CV-PRZSafraZ2013_2014", "CV-ROZSafraZ2013_2014",
		"CV-RSZSafraZ2011_2012", "CV-SCZSafraZ2013_2014", "CV-SPZSafraZ2014_2015",
	}
)

// A Pair is one mask and region combination that statistics are
// generated for.
type Pair struct {
	Mask   string
	Region string
}

// Allowed reports whether the mask and region combination is in the
// matchup policy: crop-monitor masks cover the global layer, safra
// masks cover only the Brazilian layers, and the no-mask pseudo-mask
// covers everything.
func Allowed(mask, region string) bool {
	if mask == NoMask {
		return contains(GlobalRegions, region) || contains(BrazilRegions, region)
	}
	if contains(CropMonitorMasks, mask) {
		return contains(GlobalRegions, region)
	}
	if contains(BrazilMasks, mask) {
		return contains(BrazilRegions, region)
	}
	return false
}

// Matchups returns every allowed pair in a stable order.
func Matchups() []Pair {
	var out []Pair
	regions := append(append([]string{}, GlobalRegions...), BrazilRegions...)
	masks := append(append([]string{NoMask}, CropMonitorMasks...), BrazilMasks...)
	sort.Strings(regions)
	sort.Strings(masks)
	for _, region := range regions {
		for _, mask := range masks {
			if Allowed(mask, region) {
				out = append(out, Pair{Mask: mask, Region: region})
			}
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
