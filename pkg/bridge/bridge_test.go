package bridge

import "testing"

func TestNotify(t *testing.T) {
	Notify("ignored", "{}")

	var got []string
	SetNotifyImpl(func(topic, payload string) {
		got = append(got, topic+" "+payload)
	})
	defer SetNotifyImpl(nil)

	Notify("session.progress", `{"progress":0.5}`)
	if len(got) != 1 || got[0] != `session.progress {"progress":0.5}` {
		t.Fatalf("unexpected notifications: %v", got)
	}

	SetNotifyImpl(nil)
	Notify("session.progress", "{}")
	if len(got) != 1 {
		t.Fatalf("notify after reset: %v", got)
	}
}
