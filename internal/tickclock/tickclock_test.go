package tickclock

import "testing"

func TestNowNeverZero(t *testing.T) {
	c := New()
	defer c.Stop()

	if c.Now() == 0 {
		t.Fatal("Now() returned 0, which is reserved as the bcache 'never homed' sentinel")
	}
}

func TestNowIsMonotonicNonDecreasing(t *testing.T) {
	c := New()
	defer c.Stop()

	prev := c.Now()
	for i := 0; i < 1000; i++ {
		cur := c.Now()
		if cur < prev {
			t.Fatalf("Now() went backwards: %d then %d", prev, cur)
		}
		prev = cur
	}
}
