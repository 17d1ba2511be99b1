package store

import (
	"fmt"

	"k8s.io/klog/v2"
)

// DeleteModelStates removes all persisted model weights. Drift events are
// never touched by any reset.
func (s *Store) DeleteModelStates() error {
	return s.wipe("model_states")
}

// DeleteEnsembleWeights removes all learned blend weights
func (s *Store) DeleteEnsembleWeights() error {
	return s.wipe("ensemble_weights")
}

// DeleteCalibrations removes all calibration factor rows
func (s *Store) DeleteCalibrations() error {
	return s.wipe("calibration_factors")
}

// DeleteTrustWeights removes all weather source trust rows
func (s *Store) DeleteTrustWeights() error {
	return s.wipe("trust_weights")
}

// DeleteComponentStates removes named component snapshots
func (s *Store) DeleteComponentStates(names ...string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, name := range names {
		if _, err := s.db.Exec(`DELETE FROM component_states WHERE name = ?`, name); err != nil {
			return fmt.Errorf("failed to delete component state %s: %v", name, err)
		}
	}
	return nil
}

func (s *Store) wipe(table string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	res, err := s.db.Exec(`DELETE FROM ` + table)
	if err != nil {
		return fmt.Errorf("failed to clear %s: %v", table, err)
	}
	n, _ := res.RowsAffected()
	klog.V(2).InfoS("Learned state cleared", "table", table, "rows", n)
	return nil
}
