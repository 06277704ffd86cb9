package planner

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		q    string
		want Intent
	}{
		{"my vpn drops every hour", IntentTroubleshoot},
		{"outlook won't start after the update", IntentTroubleshoot},
		{"how do I set up the office printer", IntentHowTo},
		{"reset my password", IntentHowTo},
		{"is personal dropbox allowed on work laptops", IntentPolicy},
		{"wifi outage on the 3rd floor, all users affected", IntentOutage},
		{"what's the guest network name?", IntentHowTo},
		{"greetings", IntentUnknown},
		{"", IntentUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.q); got != c.want {
			t.Fatalf("Classify(%q)=%s want %s", c.q, got, c.want)
		}
	}
}

func TestRetrievalK(t *testing.T) {
	if k := RetrievalK(IntentHowTo, 5); k < 7 {
		t.Fatalf("expected >=7, got %d", k)
	}
	if k := RetrievalK(IntentTroubleshoot, 5); k < 8 {
		t.Fatalf("expected >=8, got %d", k)
	}
	if k := RetrievalK(IntentOutage, 5); k < 10 {
		t.Fatalf("expected >=10, got %d", k)
	}
	if k := RetrievalK(IntentPolicy, 5); k != 6 {
		t.Fatalf("expected 6, got %d", k)
	}
	if k := RetrievalK(IntentPolicy, 9); k != 9 {
		t.Fatalf("expected base 9 kept, got %d", k)
	}
	if k := RetrievalK(IntentUnknown, 0); k != 5 {
		t.Fatalf("expected default 5, got %d", k)
	}
}
