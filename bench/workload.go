// Package bench holds shared concurrent-workload scaffolding for this
// module's benchmarks: a table of named concurrency/write-ratio
// configurations and a barrier-channel fan-out helper, in the same
// shape the original mutex benchmarks in this codebase's history used
// to drive their own locking benchmarks.
package bench

// Workload names one concurrency/write-ratio configuration to run a
// benchmark under.
type Workload struct {
	Name        string
	Concurrency int
	WriteRatio  float32
}

// Workloads is the standard set of configurations this module's
// benchmarks sweep over.
var Workloads = []Workload{
	{"Serial", 1, 0.10},
	{"Serial, heavy writes", 1, 0.50},
	{"Low concurrency", 2, 0.10},
	{"Medium concurrency", 10, 0.10},
	{"High concurrency", 20, 0.10},
	{"High concurrency, heavy writes", 20, 0.50},
}

// Fanout runs n copies of work concurrently, waiting for all of them
// to finish before returning. Each copy receives its own index.
// Benchmarks call this once per run to drive Workload.Concurrency
// goroutines against a shared data structure, splitting b.N
// operations between them with splitWork.
func Fanout(n int, work func(worker int)) {
	barrier := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			work(i)
			barrier <- struct{}{}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-barrier
	}
}

// splitWork partitions count units of work as evenly as possible
// across concurrency workers, returning each worker's share.
func splitWork(count, concurrency int) []int {
	shares := make([]int, concurrency)
	base := count / concurrency
	rem := count % concurrency
	for i := range shares {
		shares[i] = base
		if i < rem {
			shares[i]++
		}
	}
	return shares
}
