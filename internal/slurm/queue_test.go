package slurm

import "testing"

func TestParseQueue(t *testing.T) {
	out := `
5150|hpc-vscode|RUNNING|cn-07|1:59:30
5151|hpc-jupyter|PENDING|(null)|2:00:00
5152|interactive|RUNNING|cn-08|10:00
garbage line
5153|hpc-rstudio|RUNNING|cn-09|1-00:00:00
`
	jobs := ParseQueue(out)
	if len(jobs) != 3 {
		t.Fatalf("expected 3 broker jobs, got %d: %+v", len(jobs), jobs)
	}

	if jobs[0].ID != "5150" || jobs[0].IDE != "vscode" || jobs[0].State != StateRunning {
		t.Errorf("job[0] = %+v", jobs[0])
	}
	if jobs[0].Node != "cn-07" || jobs[0].TimeLeftSeconds != 7170 {
		t.Errorf("job[0] node/timeleft = %q/%d", jobs[0].Node, jobs[0].TimeLeftSeconds)
	}

	if jobs[1].State != StatePending || jobs[1].Node != "" {
		t.Errorf("pending job should have empty node: %+v", jobs[1])
	}
	if jobs[2].TimeLeftSeconds != 86400 {
		t.Errorf("day-form time left = %d, want 86400", jobs[2].TimeLeftSeconds)
	}
}

func TestIDEFromJobName(t *testing.T) {
	cases := []struct {
		name string
		ide  string
		ok   bool
	}{
		{"hpc-vscode", "vscode", true},
		{"hpc-rstudio", "rstudio", true},
		{"hpc-jupyter", "jupyter", true},
		{"hpc-", "", false},
		{"interactive", "", false},
		{"myhpc-vscode", "", false},
	}
	for _, c := range cases {
		ide, ok := IDEFromJobName(c.name)
		if ide != c.ide || ok != c.ok {
			t.Errorf("IDEFromJobName(%q) = (%q, %v), want (%q, %v)", c.name, ide, ok, c.ide, c.ok)
		}
	}
}

func TestParseSubmitOutput(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"5150\n", "5150", false},
		{"5150;gemini\n", "5150", false},
		{"sbatch: warning\n5151", "5151", false},
		{"", "", true},
		{"sbatch: error: invalid partition", "", true},
	}
	for _, c := range cases {
		got, err := ParseSubmitOutput(c.in)
		if (err != nil) != c.wantErr || got != c.want {
			t.Errorf("ParseSubmitOutput(%q) = (%q, %v)", c.in, got, err)
		}
	}
}

func TestJobStateTerminal(t *testing.T) {
	for _, s := range []JobState{StateCompleted, StateFailed, StateCancelled, StateTimeout} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobState{StatePending, StateRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if StateCancelled.EndReason() != "cancelled" || StateTimeout.EndReason() != "timeout" ||
		StateFailed.EndReason() != "error" || StateCompleted.EndReason() != "completed" {
		t.Error("EndReason mapping wrong")
	}
}
