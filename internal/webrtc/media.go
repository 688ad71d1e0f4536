package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"meshcall/internal/domain"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// ErrNoMedia is returned by Acquire when neither audio nor video is enabled.
var ErrNoMedia = errors.New("no media kinds enabled")

// opusSilence is a single Opus frame that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const sampleInterval = 20 * time.Millisecond

// StaticSource produces sample-based local tracks for a headless participant.
// The audio track carries silence once Pump runs; the video track is bound but
// idle.
type StaticSource struct {
	StreamID string
	Audio    bool
	Video    bool

	mu    sync.Mutex
	audio *pion.TrackLocalStaticSample
}

// Acquire creates the enabled tracks.
func (s *StaticSource) Acquire(ctx context.Context) ([]domain.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.Audio && !s.Video {
		return nil, ErrNoMedia
	}

	var tracks []domain.LocalTrack
	if s.Audio {
		audio, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio-"+s.StreamID, s.StreamID,
		)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		s.mu.Lock()
		s.audio = audio
		s.mu.Unlock()
		tracks = append(tracks, audio)
	}
	if s.Video {
		video, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000},
			"video-"+s.StreamID, s.StreamID,
		)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		tracks = append(tracks, video)
	}

	log.Printf("[media] acquired %d local tracks for stream %s", len(tracks), s.StreamID)
	return tracks, nil
}

// Pump writes silent audio frames until ctx is done.
func (s *StaticSource) Pump(ctx context.Context) {
	s.mu.Lock()
	audio := s.audio
	s.mu.Unlock()
	if audio == nil {
		return
	}

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := audio.WriteSample(media.Sample{Data: opusSilence, Duration: sampleInterval}); err != nil {
				log.Printf("[media] write sample: %v", err)
				return
			}
		}
	}
}

// Drain reads a remote track until it ends and returns the number of RTP
// packets received. Tracks not produced by pion are ignored.
func Drain(track domain.RemoteTrack) int {
	remote, ok := track.(*pion.TrackRemote)
	if !ok {
		return 0
	}

	packets := 0
	for {
		if _, _, err := remote.ReadRTP(); err != nil {
			log.Printf("[media] track %s ended after %d packets: %v", remote.ID(), packets, err)
			return packets
		}
		packets++
	}
}
