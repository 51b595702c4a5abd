package lim

import "testing"

func TestEndpointBudget(t *testing.T) {
	cases := []struct {
		endpoint string
		base     int
		want     int
	}{
		{"create", 120, 30},
		{"verify", 120, 120},
		{"create", 3, 1},
		{"create", 1, 1},
	}
	for _, tc := range cases {
		got := endpointBudget(tc.base, budgetDivisor(tc.endpoint))
		if got != tc.want {
			t.Errorf("endpointBudget(%d, %q) = %d, want %d", tc.base, tc.endpoint, got, tc.want)
		}
	}
}

func TestAnomalyRequiresSampleFloor(t *testing.T) {
	fired := false
	d := NewAnomalyDetector(func() { fired = true })

	for i := 0; i < 5; i++ {
		d.RecordRequest()
		d.RecordError()
	}
	d.AdvanceWindow()
	if fired {
		t.Fatal("adaptive mode tripped below the sample floor")
	}

	for i := 0; i < 30; i++ {
		d.RecordRequest()
	}
	for i := 0; i < 10; i++ {
		d.RecordError()
	}
	d.AdvanceWindow()
	if !fired {
		t.Fatal("adaptive mode did not trip on a heavy error rate")
	}
}
