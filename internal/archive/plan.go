package archive

import (
	"fmt"

	"github.com/your-org/mediapack/internal/media"
)

// Tier is the processing mode chosen for a collection.
type Tier string

const (
	// TierImmediate runs the pipeline while the caller waits, up to a bounded
	// deadline.
	TierImmediate Tier = "immediate"
	// TierExtended runs the pipeline as a detached background task whose
	// completion is observable only through the notifier.
	TierExtended Tier = "extended"
	// TierRejected means nothing in the collection can be archived.
	TierRejected Tier = "rejected"
)

// Routing reasons carried on plans and into notifications.
const (
	PlanReasonLargeVideo    = "large video present"
	PlanReasonAggregateSize = "aggregate size"
	PlanReasonManyVideos    = "many videos"
	PlanReasonOversize      = "oversize files deferred"
	PlanReasonEmpty         = "no files eligible for archiving"
)

// PlanLimits bound the routing decision. Zero values fall back to production
// defaults.
type PlanLimits struct {
	// PerFileCeilingBytes is the hard per-file cap. Files above it are
	// deferred out of the archive, never silently dropped.
	PerFileCeilingBytes int64
	// LargeVideoBytes routes the whole collection to the extended tier when
	// any included video exceeds it.
	LargeVideoBytes int64
	// AggregateBytes routes to the extended tier when the included total
	// exceeds it.
	AggregateBytes int64
	// VideoCountCeiling routes to the extended tier when exceeded.
	VideoCountCeiling int
	// ThroughputBytesPerSec is the assumed end-to-end rate used for the
	// completion estimate handed back to the caller.
	ThroughputBytesPerSec int64
}

// DefaultPlanLimits returns the production routing thresholds.
func DefaultPlanLimits() PlanLimits {
	return PlanLimits{
		PerFileCeilingBytes:   500 << 20,
		LargeVideoBytes:       80 << 20,
		AggregateBytes:        500 << 20,
		VideoCountCeiling:     10,
		ThroughputBytesPerSec: 10 << 20,
	}
}

// DeferredFile records a file excluded from the archive and why.
type DeferredFile struct {
	FileName string `json:"fileName"`
	Reason   string `json:"reason"`
}

// CollectionPlan is the routing decision derived once per request and never
// mutated afterwards.
type CollectionPlan struct {
	Include             []media.FileRef
	Deferred            []DeferredFile
	TotalEstimatedBytes int64
	VideoCount          int
	OversizeFileCount   int
	Tier                Tier
	Reason              string
	EstimatedSeconds    int
}

// Planner turns a validated file list into a CollectionPlan.
type Planner struct {
	limits PlanLimits
}

// NewPlanner constructs a Planner, filling unset limits with defaults.
func NewPlanner(limits PlanLimits) Planner {
	def := DefaultPlanLimits()
	if limits.PerFileCeilingBytes <= 0 {
		limits.PerFileCeilingBytes = def.PerFileCeilingBytes
	}
	if limits.LargeVideoBytes <= 0 {
		limits.LargeVideoBytes = def.LargeVideoBytes
	}
	if limits.AggregateBytes <= 0 {
		limits.AggregateBytes = def.AggregateBytes
	}
	if limits.VideoCountCeiling <= 0 {
		limits.VideoCountCeiling = def.VideoCountCeiling
	}
	if limits.ThroughputBytesPerSec <= 0 {
		limits.ThroughputBytesPerSec = def.ThroughputBytesPerSec
	}
	return Planner{limits: limits}
}

// Plan splits the collection into included and deferred files and picks the
// processing tier. Rules are evaluated in order; the first match wins.
func (p Planner) Plan(files []media.FileRef) CollectionPlan {
	plan := CollectionPlan{}

	largestVideo := int64(0)
	for _, f := range files {
		if f.SizeBytes > p.limits.PerFileCeilingBytes {
			plan.Deferred = append(plan.Deferred, DeferredFile{
				FileName: f.FileName,
				Reason: fmt.Sprintf("size %d exceeds per-file ceiling %d",
					f.SizeBytes, p.limits.PerFileCeilingBytes),
			})
			plan.OversizeFileCount++
			continue
		}
		plan.Include = append(plan.Include, f)
		plan.TotalEstimatedBytes += f.SizeBytes
		if f.IsVideo() {
			plan.VideoCount++
			if f.SizeBytes > largestVideo {
				largestVideo = f.SizeBytes
			}
		}
	}

	switch {
	case len(plan.Include) == 0:
		plan.Tier = TierRejected
		plan.Reason = PlanReasonEmpty
	case largestVideo > p.limits.LargeVideoBytes:
		plan.Tier = TierExtended
		plan.Reason = PlanReasonLargeVideo
	case plan.TotalEstimatedBytes > p.limits.AggregateBytes:
		plan.Tier = TierExtended
		plan.Reason = PlanReasonAggregateSize
	case plan.VideoCount > p.limits.VideoCountCeiling:
		plan.Tier = TierExtended
		plan.Reason = PlanReasonManyVideos
	case plan.OversizeFileCount > 0:
		// Deferrals are only observable through the notifier, so the request
		// must take the notifier-observable path.
		plan.Tier = TierExtended
		plan.Reason = PlanReasonOversize
	default:
		plan.Tier = TierImmediate
	}

	plan.EstimatedSeconds = p.estimateSeconds(plan)
	return plan
}

func (p Planner) estimateSeconds(plan CollectionPlan) int {
	if len(plan.Include) == 0 {
		return 0
	}
	secs := int(plan.TotalEstimatedBytes/p.limits.ThroughputBytesPerSec) + 2*len(plan.Include)
	if secs < 5 {
		secs = 5
	}
	return secs
}
