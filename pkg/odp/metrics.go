// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package odp

import (
	"time"

	"gvisor.dev/odp/pkg/metric"
)

var (
	pageFaults          = metric.MustCreateNewUint64Metric("odp_page_faults", "Number of MapPages calls.")
	pagesMapped         = metric.MustCreateNewUint64Metric("odp_pages_mapped", "Number of region pages DMA-mapped.")
	pagesUnmapped       = metric.MustCreateNewUint64Metric("odp_pages_unmapped", "Number of region pages DMA-unmapped.")
	faultRetries        = metric.MustCreateNewUint64Metric("odp_fault_retries", "Number of MapPages calls that raced with an invalidation.")
	invalidations       = metric.MustCreateNewUint64Metric("odp_invalidations", "Number of region invalidations started.")
	mismatchedPages     = metric.MustCreateNewUint64Metric("odp_mismatched_pages", "Number of faults that found a different page than the one mapped.")
	regionsRegistered   = metric.MustCreateNewUint64Metric("odp_regions_registered", "Number of regions registered.")
	perMMFreed          = metric.MustCreateNewUint64Metric("odp_per_mm_freed", "Number of per address space registries freed.")
	liveRegions         = metric.MustCreateNewUint64Gauge("odp_live_regions", "Number of regions not yet released.")
	mapPagesLatency     = metric.MustCreateNewTimerMetric("odp_map_pages_seconds", time.Microsecond, 4, 10, "Latency of MapPages calls.")
)
