package bridge

import "sync"

// Staging holds the five staged outputs a transport produces and the consumer
// drains once per frame. Each field has exactly one guarding lock; no lock is
// ever held across two fields, and producers hold a lock only for the single
// write. Drains swap the field out under its lock, so a drain is atomic with
// respect to that field and the caller owns the returned collection outright.
type Staging struct {
	posesMu sync.Mutex
	poses   map[string]Pose

	createMu sync.Mutex
	toCreate map[string]CreationRequest

	destroyMu sync.Mutex
	toDestroy map[string]struct{}

	explodeMu sync.Mutex
	toExplode map[string]struct{}

	actuatorMu     sync.Mutex
	actuatorRatios map[string]float64
}

// NewStaging creates an empty staging area
func NewStaging() *Staging {
	return &Staging{
		poses:          make(map[string]Pose),
		toCreate:       make(map[string]CreationRequest),
		toDestroy:      make(map[string]struct{}),
		toExplode:      make(map[string]struct{}),
		actuatorRatios: make(map[string]float64),
	}
}

// SetPose stages the latest resolved pose for a vessel, overwriting any value
// staged earlier in the same frame.
func (s *Staging) SetPose(name string, pose Pose) {
	s.posesMu.Lock()
	s.poses[name] = pose
	s.posesMu.Unlock()
}

// DrainPoses returns all staged poses and clears the field
func (s *Staging) DrainPoses() map[string]Pose {
	s.posesMu.Lock()
	out := s.poses
	s.poses = make(map[string]Pose)
	s.posesMu.Unlock()
	return out
}

// QueueCreate stages a creation request for a vessel. A name with a creation
// already pending is not re-queued; the first request wins and false is
// returned.
func (s *Staging) QueueCreate(name string, req CreationRequest) bool {
	s.createMu.Lock()
	defer s.createMu.Unlock()
	if _, pending := s.toCreate[name]; pending {
		return false
	}
	s.toCreate[name] = req
	return true
}

// DrainCreations returns all pending creation requests and clears the field
func (s *Staging) DrainCreations() map[string]CreationRequest {
	s.createMu.Lock()
	out := s.toCreate
	s.toCreate = make(map[string]CreationRequest)
	s.createMu.Unlock()
	return out
}

// QueueDestroy stages a vessel for destruction
func (s *Staging) QueueDestroy(name string) {
	s.destroyMu.Lock()
	s.toDestroy[name] = struct{}{}
	s.destroyMu.Unlock()
}

// DrainDestroys returns all vessels staged for destruction and clears the field
func (s *Staging) DrainDestroys() []string {
	s.destroyMu.Lock()
	out := make([]string, 0, len(s.toDestroy))
	for name := range s.toDestroy {
		out = append(out, name)
	}
	s.toDestroy = make(map[string]struct{})
	s.destroyMu.Unlock()
	return out
}

// QueueExplode stages a vessel for destruction with an explosion effect
func (s *Staging) QueueExplode(name string) {
	s.explodeMu.Lock()
	s.toExplode[name] = struct{}{}
	s.explodeMu.Unlock()
}

// DrainExplosions returns all vessels staged for explosion and clears the field
func (s *Staging) DrainExplosions() []string {
	s.explodeMu.Lock()
	out := make([]string, 0, len(s.toExplode))
	for name := range s.toExplode {
		out = append(out, name)
	}
	s.toExplode = make(map[string]struct{})
	s.explodeMu.Unlock()
	return out
}

// SetActuatorRatio stages a normalized spin ratio for a full actuator name
// ("vessel/actuator"). A ratio staged for an actuator that later stops
// reporting is left in place until overwritten; there is no expiry.
func (s *Staging) SetActuatorRatio(fullName string, ratio float64) {
	s.actuatorMu.Lock()
	s.actuatorRatios[fullName] = ratio
	s.actuatorMu.Unlock()
}

// DrainActuatorRatios returns all staged actuator ratios and clears the field
func (s *Staging) DrainActuatorRatios() map[string]float64 {
	s.actuatorMu.Lock()
	out := s.actuatorRatios
	s.actuatorRatios = make(map[string]float64)
	s.actuatorMu.Unlock()
	return out
}
