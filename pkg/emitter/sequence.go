package emitter

// Sequencer assigns object and image numbers to captures. Each object
// gets ImagesPerObject images (one per side) before the object id advances.
// A Sequencer is not safe for concurrent use.
type Sequencer struct {
	perObject   int
	objectID    int
	imageNumber int
}

// NewSequencer creates a sequencer. perObject <= 0 keeps every capture
// on object 0.
func NewSequencer(perObject int) *Sequencer {
	return &Sequencer{perObject: perObject}
}

// Next returns the identifiers for the next capture.
func (s *Sequencer) Next() (objectID, imageNumber int) {
	s.imageNumber++
	if s.perObject > 0 && s.imageNumber > s.perObject {
		s.objectID++
		s.imageNumber = 1
	}
	return s.objectID, s.imageNumber
}

// Current returns the identifiers of the last assigned capture.
// Before the first capture both are 0.
func (s *Sequencer) Current() (objectID, imageNumber int) {
	return s.objectID, s.imageNumber
}

// Retake rewinds one image so the next capture reuses its identifiers.
// It returns false when there is nothing to rewind.
func (s *Sequencer) Retake() bool {
	switch {
	case s.imageNumber > 0:
		s.imageNumber--
	case s.objectID > 0:
		s.objectID--
		s.imageNumber = s.perObject - 1
	default:
		return false
	}
	return true
}

// ObjectComplete reports whether the last capture finished its object.
func (s *Sequencer) ObjectComplete() bool {
	return s.perObject > 0 && s.imageNumber == s.perObject
}
