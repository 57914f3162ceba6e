package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it after cancelling a synthesis stream so the producer goroutine can
// observe the cancellation and exit instead of blocking on a full channel.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
