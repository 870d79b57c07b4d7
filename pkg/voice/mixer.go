package voice

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxwire/pkg/voice/codec"
)

// maxQueuedFrames bounds each user queue between two mixing ticks.
const maxQueuedFrames = 25

type queuedFrame struct {
	pcm []int16
	at  time.Time
}

// combinedQueue buffers decoded frames per user until the next mixing tick.
type combinedQueue struct {
	staleness time.Duration

	mu     sync.Mutex
	queues map[uint64][]queuedFrame
}

func newCombinedQueue(staleness time.Duration) *combinedQueue {
	return &combinedQueue{
		staleness: staleness,
		queues:    make(map[uint64][]queuedFrame),
	}
}

func (q *combinedQueue) push(userID uint64, pcm []int16, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := append(q.queues[userID], queuedFrame{pcm: pcm, at: at})
	if len(queue) > maxQueuedFrames {
		queue = queue[len(queue)-maxQueuedFrames:]
	}
	q.queues[userID] = queue
}

// forget drops the queue of userID.
func (q *combinedQueue) forget(userID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, userID)
}

func (q *combinedQueue) setStaleness(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.staleness = d
}

func (q *combinedQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.queues)
}

// mix consumes the queues as of now. Frames older than the staleness window
// are discarded; of the rest only the freshest per user is mixed.
func (q *combinedQueue) mix(now time.Time) CombinedAudio {
	q.mu.Lock()
	cutoff := now.Add(-q.staleness)
	var (
		users  []uint64
		frames [][]int16
	)
	for userID, queue := range q.queues {
		var freshest *queuedFrame
		for i := range queue {
			if queue[i].at.Before(cutoff) {
				continue
			}
			if freshest == nil || !queue[i].at.Before(freshest.at) {
				freshest = &queue[i]
			}
		}
		if freshest != nil {
			users = append(users, userID)
			frames = append(frames, freshest.pcm)
		}
		delete(q.queues, userID)
	}
	q.mu.Unlock()

	slices.Sort(users)
	return CombinedAudio{Users: users, PCM: mixFrames(frames)}
}

// mixFrames sums frames sample by sample, clamped to the int16 range. The
// result is always one full frame.
func mixFrames(frames [][]int16) []int16 {
	out := make([]int16, codec.FrameLength)
	if len(frames) == 0 {
		return out
	}
	acc := make([]int32, codec.FrameLength)
	for _, f := range frames {
		for i := 0; i < len(f) && i < len(acc); i++ {
			acc[i] += int32(f[i])
		}
	}
	for i, v := range acc {
		out[i] = clamp16(v)
	}
	return out
}

func clamp16(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
