package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer goroutine blocked on a frame channel whose
// data is no longer wanted (e.g., a [Stream] being torn down).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

// DrainBuffered discards values already buffered in ch without waiting for
// more and returns how many were dropped.
func DrainBuffered[T any](ch <-chan T) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
