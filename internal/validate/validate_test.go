package validate

import (
	"strings"
	"testing"

	"gitfan/internal/model"
)

func goodConfig() model.Config {
	cfg := model.Config{
		Commands: []model.CommandSpec{
			{Runner: model.RunnerShell, Body: "make test"},
			{Runner: model.RunnerAgent, Body: "review ${item}", CommitRequired: true},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfigAcceptsDefaults(t *testing.T) {
	if err := Config(goodConfig()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestConfigAccumulatesViolations(t *testing.T) {
	cfg := goodConfig()
	cfg.Job.MaxParallel = 0
	cfg.Timeout.Policy = "sometimes"
	cfg.Timeout.Action = "shrug"
	cfg.Commands = []model.CommandSpec{
		{Runner: "carrier-pigeon", Body: "   "},
	}

	err := Config(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	verr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type %T, want *Error", err)
	}
	// One pass reports everything: parallelism, policy, action, runner, body.
	if len(verr.Violations) != 5 {
		t.Fatalf("got %d violations, want 5:\n%v", len(verr.Violations), err)
	}
	msg := err.Error()
	for _, want := range []string{"max_parallel", "timeout.policy", "timeout.action", "runner", "body"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestConfigRejectsEmptyCommands(t *testing.T) {
	cfg := goodConfig()
	cfg.Commands = nil
	err := Config(cfg)
	if err == nil || !strings.Contains(err.Error(), "commands must not be empty") {
		t.Fatalf("err = %v, want empty-commands violation", err)
	}
}

func TestConfigRejectsNonPositiveCommandTimeout(t *testing.T) {
	cfg := goodConfig()
	cfg.Timeout.CommandTimeouts = map[string]int{"shell": 0}
	err := Config(cfg)
	if err == nil || !strings.Contains(err.Error(), "command_timeouts[shell]") {
		t.Fatalf("err = %v, want command_timeouts violation", err)
	}
}

func TestConfigRejectsEmptyAggregateKind(t *testing.T) {
	cfg := goodConfig()
	cfg.Reduce.Aggregates = map[string]model.AggregateSpec{
		"files": {Kind: "", Field: "files_changed"},
	}
	err := Config(cfg)
	if err == nil || !strings.Contains(err.Error(), "reduce.aggregates[files]") {
		t.Fatalf("err = %v, want aggregate violation", err)
	}
}

func TestWorkItems(t *testing.T) {
	tests := []struct {
		name  string
		items []model.WorkItem
		wants []string
	}{
		{
			name:  "valid set",
			items: []model.WorkItem{{ID: "a"}, {ID: "b"}},
		},
		{
			name:  "empty set",
			items: nil,
			wants: []string{"must not be empty"},
		},
		{
			name:  "blank id",
			items: []model.WorkItem{{ID: "a"}, {ID: "  "}},
			wants: []string{"index 1 has an empty id"},
		},
		{
			name:  "duplicate id",
			items: []model.WorkItem{{ID: "a"}, {ID: "b"}, {ID: "a"}},
			wants: []string{`"a" at index 2 duplicates index 0`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WorkItems(tt.items)
			if len(tt.wants) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			for _, want := range tt.wants {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q missing %q", err.Error(), want)
				}
			}
		})
	}
}
