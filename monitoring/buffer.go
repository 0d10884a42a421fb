package monitoring

// Buffer is a fixed-size ring of recent states, oldest overwritten first.
type Buffer struct {
	Data      []SystemState
	NextIndex int64
	Max       int
}

func (b *Buffer) Add(state SystemState) {
	b.Data[b.NextIndex%int64(b.Max)] = state
	b.NextIndex++
}

// Last returns up to request most recent states, oldest first.
func (b *Buffer) Last(request int) []SystemState {
	last := request
	if int64(last) > b.NextIndex {
		last = int(b.NextIndex)
	}
	if last > b.Max {
		last = b.Max
	}

	p := make([]SystemState, last)
	fromIndex := b.NextIndex - int64(last)
	for i := fromIndex; i < fromIndex+int64(last); i++ {
		p[i-fromIndex] = b.Data[i%int64(b.Max)]
	}

	return p
}

func (b *Buffer) LastAvailable() []SystemState {
	return b.Last(b.Max)
}

// LastAverage averages each metric over the last request states. A metric is
// averaged only over the states that carry it.
func (b *Buffer) LastAverage(request int) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, s := range b.Last(request) {
		for name, v := range s.Metrics() {
			sums[name] += v
			counts[name]++
		}
	}
	for name := range sums {
		sums[name] /= float64(counts[name])
	}
	return sums
}

func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	p := new(Buffer)
	p.Max = size
	p.NextIndex = 0
	p.Data = make([]SystemState, size)
	return p
}
