package model

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"
)

// Grid-search space for the sequence model hyperparameters
var (
	gridHiddenSizes   = []int{8, 16, 32}
	gridLearningRates = []float64{0.01, 0.005}
	gridBatchSizes    = []int{8, 16}
)

// GridSearchResult is one evaluated configuration
type GridSearchResult struct {
	Config SequenceConfig `json:"config"`
	ValMAE float64        `json:"valMAE"`
}

// GridSearchReport summarizes an offline hyperparameter sweep
type GridSearchReport struct {
	Best    GridSearchResult   `json:"best"`
	Results []GridSearchResult `json:"results"`
	Samples int                `json:"samples"`
}

// GridSearchSequence trains a throwaway model for every hyperparameter
// combination and reports the configuration with the lowest held-out MAE.
// The sweep never touches the live model; the caller decides whether to
// adopt the winner.
func GridSearchSequence(ctx context.Context, windows [][][]float64, targets []float64, trainedDays, minDays int) (*GridSearchReport, error) {
	if len(windows) < 2*minDays {
		return nil, fmt.Errorf("insufficient samples for grid search: %d", len(windows))
	}

	report := &GridSearchReport{Samples: len(windows)}
	bestMAE := -1.0

	for _, hidden := range gridHiddenSizes {
		for _, lr := range gridLearningRates {
			for _, batch := range gridBatchSizes {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				cfg := DefaultSequenceConfig()
				cfg.HiddenSize = hidden
				cfg.LearningRate = lr
				cfg.BatchSize = batch

				candidate := NewSequence(cfg, minDays)
				if err := candidate.Train(windows, targets, trainedDays, false); err != nil {
					klog.V(2).InfoS("Grid search candidate failed",
						"hidden", hidden, "lr", lr, "batch", batch, "error", err)
					continue
				}
				result := GridSearchResult{Config: cfg, ValMAE: candidate.ValidationMAE()}
				report.Results = append(report.Results, result)
				klog.V(3).InfoS("Grid search candidate evaluated",
					"hidden", hidden, "lr", lr, "batch", batch, "valMAE", result.ValMAE)

				if bestMAE < 0 || result.ValMAE < bestMAE {
					bestMAE = result.ValMAE
					report.Best = result
				}
			}
		}
	}

	if len(report.Results) == 0 {
		return nil, fmt.Errorf("all grid search candidates failed")
	}
	klog.InfoS("Grid search complete",
		"candidates", len(report.Results),
		"bestHidden", report.Best.Config.HiddenSize,
		"bestLR", report.Best.Config.LearningRate,
		"bestBatch", report.Best.Config.BatchSize,
		"bestValMAE", report.Best.ValMAE)
	return report, nil
}
