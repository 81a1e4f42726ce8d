package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// StaticSource adapts a pre-built local track into a Source. stop releases
// whatever feeds the track and runs at most once.
type StaticSource struct {
	track webrtc.TrackLocal

	once sync.Once
	stop func()
}

func NewStaticSource(track webrtc.TrackLocal, stop func()) *StaticSource {
	return &StaticSource{track: track, stop: stop}
}

func (s *StaticSource) Track() webrtc.TrackLocal { return s.track }

func (s *StaticSource) Stop() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}
