package wakeword

import "testing"

func testConfig() Config {
	return Config{
		WakeWords: []Keyword{{Word: "hey aria", Language: "en"}},
		EndWords:  []Keyword{{Word: "goodbye", Language: "en"}},
		Greetings: map[string]string{"": "Hello! How can I help?"},
		Farewells: map[string]string{"": "Talk to you later."},
	}
}

func TestGate_WakeWithResidue(t *testing.T) {
	g := New(testConfig(), true)

	r := g.Process("Hey Aria, what time is it?")
	if r.Action != ActionWake {
		t.Fatalf("action = %v, want ActionWake", r.Action)
	}
	if r.State != Active {
		t.Fatalf("state = %v, want Active", r.State)
	}
	if r.Text != "what time is it?" {
		t.Fatalf("text = %q", r.Text)
	}
	if r.WakeCount != 1 {
		t.Fatalf("wake count = %d, want 1", r.WakeCount)
	}
}

func TestGate_WakeWithoutResidueUsesGreeting(t *testing.T) {
	g := New(testConfig(), true)

	r := g.Process("hey aria")
	if r.Action != ActionWake {
		t.Fatalf("action = %v, want ActionWake", r.Action)
	}
	if r.Text != "Hello! How can I help?" {
		t.Fatalf("text = %q", r.Text)
	}
}

func TestGate_IgnoresWithoutWakeWord(t *testing.T) {
	g := New(testConfig(), true)

	r := g.Process("what's the weather like")
	if r.Action != ActionIgnore {
		t.Fatalf("action = %v, want ActionIgnore", r.Action)
	}
	if g.State() != Listening {
		t.Fatalf("state = %v, want Listening", g.State())
	}
}

func TestGate_SleepOnEndWord(t *testing.T) {
	g := New(testConfig(), true)
	g.Process("hey aria")

	r := g.Process("ok goodbye")
	if r.Action != ActionSleep {
		t.Fatalf("action = %v, want ActionSleep", r.Action)
	}
	if r.State != Listening {
		t.Fatalf("state = %v, want Listening", r.State)
	}
	if r.Text != "Talk to you later." {
		t.Fatalf("text = %q", r.Text)
	}
}

func TestGate_ActivePassesThrough(t *testing.T) {
	g := New(testConfig(), true)
	g.Process("hey aria")

	r := g.Process("what's two plus two")
	if r.Action != ActionPass {
		t.Fatalf("action = %v, want ActionPass", r.Action)
	}
	if r.Text != "what's two plus two" {
		t.Fatalf("text = %q", r.Text)
	}
}

func TestGate_DisabledAlwaysActive(t *testing.T) {
	g := New(testConfig(), false)

	r := g.Process("anything at all")
	if r.Action != ActionPass {
		t.Fatalf("action = %v, want ActionPass", r.Action)
	}
	if r.State != Active {
		t.Fatalf("state = %v, want Active", r.State)
	}
}

func TestGate_FuzzyWakeWordTolerance(t *testing.T) {
	g := New(testConfig(), true)

	// Minor ASR mis-transcription of "aria" as "arya".
	r := g.Process("hey arya what's up")
	if r.Action != ActionWake {
		t.Fatalf("action = %v, want ActionWake (fuzzy match)", r.Action)
	}
}
