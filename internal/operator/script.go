package operator

import (
	"sort"
	"time"

	"slamcar-console/internal/models"
)

// script plays back held inputs. Each step is active from its At until
// the next step starts; the last step stays held.
type script struct {
	steps []models.InputStep
}

func newScript(steps []models.InputStep) *script {
	sorted := make([]models.InputStep, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At < sorted[j].At })
	return &script{steps: sorted}
}

// at returns the input active at elapsed. done reports that the last step
// has started.
func (s *script) at(elapsed time.Duration) (steer, throttle float64, done bool) {
	i := sort.Search(len(s.steps), func(i int) bool { return s.steps[i].At > elapsed })
	if i == 0 {
		return 0, 0, false
	}
	step := s.steps[i-1]
	return step.Steer, step.Throttle, i == len(s.steps)
}
