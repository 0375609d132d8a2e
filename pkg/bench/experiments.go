package bench

import (
	"context"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/roibench/pkg/frames"
	"github.com/cyclopcam/roibench/pkg/motion"
	"github.com/cyclopcam/roibench/pkg/qpmap"
	"github.com/cyclopcam/roibench/pkg/resultsdb"
	"github.com/cyclopcam/roibench/pkg/roi"
	"github.com/cyclopcam/roibench/pkg/tiermap"
	"github.com/cyclopcam/roibench/pkg/vvenc"
)

// Experiment names, as stored in the results database.
const (
	ExpBaseline     = "baseline"
	ExpBinaryROI    = "binary"
	ExpTemporalROI  = "temporal"
	ExpHierarchical = "hierarchical"
	ExpFullSystem   = "full"
)

// RunBaseline encodes every sequence with uniform QP, no ROI processing.
// This is the anchor that the other experiments are compared against.
func (b *Bench) RunBaseline(ctx context.Context, sequence string) error {
	return b.forEachSequence(sequence, func(seq string, imgs []*cimg.Image) error {
		yuvPath, err := b.writeYUV(seq, ExpBaseline, imgs)
		if err != nil {
			return err
		}
		width, height := imgs[0].Width, imgs[0].Height

		for _, qp := range b.cfg.QP.BaseQPs {
			res, err := b.encoder.Encode(ctx, yuvPath, b.bitstreamPath(seq, ExpBaseline, qp), qp, width, height, "")
			if err != nil {
				return err
			}
			row := b.newRow(ExpBaseline, seq, qp, res, width, height, len(imgs))
			if err := b.db.Add(row); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunBinaryROI detects objects in every frame and encodes with a two-level
// CTU QP map: ROI CTUs at baseQP-delta, everything else at baseQP.
func (b *Bench) RunBinaryROI(ctx context.Context, sequence string) error {
	return b.forEachSequence(sequence, func(seq string, imgs []*cimg.Image) error {
		detStart := time.Now()
		sets := b.detectAll(imgs)
		detTime := time.Since(detStart).Seconds()

		yuvPath, err := b.writeYUV(seq, ExpBinaryROI, imgs)
		if err != nil {
			return err
		}
		width, height := imgs[0].Width, imgs[0].Height

		for _, qp := range b.cfg.QP.BaseQPs {
			ctu, err := b.averageBinaryMaps(sets, width, height, qp)
			if err != nil {
				return err
			}
			roiPct := ctuROIPercentage(ctu, qp)
			b.log.Infof("QP %v: %.1f%% of CTUs are ROI", qp, roiPct)

			res, err := b.encoder.EncodeWithQPMap(ctx, yuvPath, b.bitstreamPath(seq, ExpBinaryROI, qp), qp, ctu, width, height)
			if err != nil {
				return err
			}
			row := b.newRow(ExpBinaryROI, seq, qp, res, width, height, len(imgs))
			row.DetectionTime = detTime
			row.PipelineTime = res.EncodingTime + detTime
			row.ROICorePct = roiPct
			if err := b.db.Add(row); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunTemporalROI is RunBinaryROI with the detector running only on
// keyframes; intermediate frames reuse motion-propagated boxes.
func (b *Bench) RunTemporalROI(ctx context.Context, sequence string) error {
	return b.forEachSequence(sequence, func(seq string, imgs []*cimg.Image) error {
		detStart := time.Now()
		sets, _, err := b.propagator.PropagateSequence(imgs, b.detector)
		if err != nil {
			return err
		}
		detTime := time.Since(detStart).Seconds()

		stats := b.propagator.Statistics(sets)
		b.log.Infof("Propagation: %v keyframes, %v propagations (%.1f%% detector reduction)",
			stats.Keyframes, stats.Propagations, stats.DetectionReduction)

		yuvPath, err := b.writeYUV(seq, ExpTemporalROI, imgs)
		if err != nil {
			return err
		}
		width, height := imgs[0].Width, imgs[0].Height

		for _, qp := range b.cfg.QP.BaseQPs {
			ctu, err := b.averageBinaryMaps(sets, width, height, qp)
			if err != nil {
				return err
			}
			res, err := b.encoder.EncodeWithQPMap(ctx, yuvPath, b.bitstreamPath(seq, ExpTemporalROI, qp), qp, ctu, width, height)
			if err != nil {
				return err
			}
			row := b.newRow(ExpTemporalROI, seq, qp, res, width, height, len(imgs))
			row.KeyframeInterval = b.cfg.Temporal.KeyframeInterval
			row.DetectionTime = detTime
			row.PipelineTime = res.EncodingTime + detTime
			row.ROICorePct = ctuROIPercentage(ctu, qp)
			if err := b.db.Add(row); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunHierarchical adds the three-tier classification on top of temporal
// propagation: core/context/background QP offsets instead of a binary map.
func (b *Bench) RunHierarchical(ctx context.Context, sequence string) error {
	return b.runTiered(ctx, sequence, ExpHierarchical, false)
}

// RunFullSystem is the complete pipeline: temporal propagation, motion
// adaptive tier rings, and texture/motion adaptive QP offsets.
func (b *Bench) RunFullSystem(ctx context.Context, sequence string) error {
	return b.runTiered(ctx, sequence, ExpFullSystem, true)
}

// RunAll runs every experiment in sequence.
func (b *Bench) RunAll(ctx context.Context, sequence string) error {
	runners := []func(context.Context, string) error{
		b.RunBaseline, b.RunBinaryROI, b.RunTemporalROI, b.RunHierarchical, b.RunFullSystem,
	}
	for _, run := range runners {
		if err := run(ctx, sequence); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bench) runTiered(ctx context.Context, sequence, experiment string, useMotion bool) error {
	return b.forEachSequence(sequence, func(seq string, imgs []*cimg.Image) error {
		width, height := imgs[0].Width, imgs[0].Height

		detStart := time.Now()
		sets, _, err := b.propagator.PropagateSequence(imgs, b.detector)
		if err != nil {
			return err
		}
		detTime := time.Since(detStart).Seconds()

		grays := make([]*frames.Gray, len(imgs))
		for i, img := range imgs {
			grays[i] = frames.ToGray(img)
		}
		var fields []*motion.Field
		if useMotion {
			fields, err = b.motionFields(grays)
			if err != nil {
				return err
			}
		}

		tierStart := time.Now()
		tiers := make([]*tiermap.Map, len(imgs))
		corePct, contextPct, bgPct := 0.0, 0.0, 0.0
		for i := range imgs {
			var field *motion.Field
			if fields != nil {
				field = fields[i]
			}
			tiers[i] = b.classifier.Generate(sets[i], width, height, field)
			levels := tiermap.LevelStatistics(tiers[i])
			corePct += levels[tiermap.TierCore].Percentage
			contextPct += levels[tiermap.TierContext].Percentage
			bgPct += levels[tiermap.TierBackground].Percentage
		}
		n := float64(len(imgs))
		corePct, contextPct, bgPct = corePct/n, contextPct/n, bgPct/n
		tierTime := time.Since(tierStart).Seconds()
		b.log.Infof("Tier coverage: core %.1f%%, context %.1f%%, background %.1f%%", corePct, contextPct, bgPct)

		yuvPath, err := b.writeYUV(seq, experiment, imgs)
		if err != nil {
			return err
		}

		for _, qp := range b.cfg.QP.BaseQPs {
			qpStart := time.Now()
			ctuMaps := make([]*qpmap.CTUMap, len(imgs))
			for i := range imgs {
				var field *motion.Field
				if fields != nil {
					field = fields[i]
				}
				m := b.controller.Generate(tiers[i], qp, grays[i], field)
				ctuMaps[i] = b.controller.ToCTUMap(m, b.ctuSize())
			}
			ctu, err := qpmap.AverageCTUMaps(ctuMaps)
			if err != nil {
				return err
			}
			qpTime := time.Since(qpStart).Seconds()

			res, err := b.encoder.EncodeWithQPMap(ctx, yuvPath, b.bitstreamPath(seq, experiment, qp), qp, ctu, width, height)
			if err != nil {
				return err
			}
			row := b.newRow(experiment, seq, qp, res, width, height, len(imgs))
			row.KeyframeInterval = b.cfg.Temporal.KeyframeInterval
			row.DetectionTime = detTime
			row.PipelineTime = res.EncodingTime + detTime + tierTime + qpTime
			row.ROICorePct = corePct
			row.ROIContextPct = contextPct
			row.ROIBackgroundPct = bgPct
			if err := b.db.Add(row); err != nil {
				return err
			}
		}
		return nil
	})
}

// detectAll runs the detector on every frame. A detector failure on one
// frame yields an empty set for that frame.
func (b *Bench) detectAll(imgs []*cimg.Image) []roi.DetectionSet {
	sets := make([]roi.DetectionSet, len(imgs))
	for i, img := range imgs {
		ds, err := b.detector.Detect(i, img)
		if err != nil {
			b.log.Warnf("Detector failed on frame %v: %v", i, err)
			ds = roi.DetectionSet{}
		}
		sets[i] = ds
	}
	return sets
}

// motionFields estimates the motion field into each frame from its
// predecessor. Frame 0 has no field.
func (b *Bench) motionFields(grays []*frames.Gray) ([]*motion.Field, error) {
	fields := make([]*motion.Field, len(grays))
	for i := 1; i < len(grays); i++ {
		f, err := b.estimator.Estimate(grays[i-1], grays[i])
		if err != nil {
			return nil, err
		}
		fields[i] = f
	}
	return fields, nil
}

// averageBinaryMaps builds the per-frame binary CTU maps and reduces them to
// one grid by per-cell mean.
func (b *Bench) averageBinaryMaps(sets []roi.DetectionSet, width, height, baseQP int) (*qpmap.CTUMap, error) {
	maps := make([]*qpmap.CTUMap, len(sets))
	for i, ds := range sets {
		maps[i] = qpmap.BinaryCTUMap(ds, width, height, baseQP, b.cfg.QP.DeltaQPROI, b.ctuSize())
	}
	return qpmap.AverageCTUMaps(maps)
}

// ctuROIPercentage is the share of CTUs that ended up below the base QP.
func ctuROIPercentage(ctu *qpmap.CTUMap, baseQP int) float64 {
	roiCells := 0
	for _, qp := range ctu.QP {
		if qp < int32(baseQP) {
			roiCells++
		}
	}
	return float64(roiCells) / float64(len(ctu.QP)) * 100
}

func (b *Bench) newRow(experiment, sequence string, qp int, res vvenc.Result, width, height, frameCount int) *resultsdb.Encode {
	return &resultsdb.Encode{
		Experiment:   experiment,
		Sequence:     sequence,
		QP:           qp,
		Bitrate:      res.Bitrate,
		PSNRY:        res.PSNRY,
		PSNRU:        res.PSNRU,
		PSNRV:        res.PSNRV,
		EncodingTime: res.EncodingTime,
		PipelineTime: res.EncodingTime,
		Frames:       frameCount,
		Width:        width,
		Height:       height,
	}
}
