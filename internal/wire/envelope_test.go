package wire

import (
	"testing"
)

func TestEncodeDecodeFrame(t *testing.T) {
	frame, err := Encode(EventTyping, TypingSignal{ConversationID: "c1", IsTyping: true})
	if err != nil {
		t.Fatal(err)
	}
	env, err := Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if env.Event != EventTyping {
		t.Errorf("event = %q, want %q", env.Event, EventTyping)
	}
	if string(env.Data) != `{"conversationId":"c1","isTyping":true}` {
		t.Errorf("data = %s", env.Data)
	}
}

func TestDecodeSocketIOArray(t *testing.T) {
	env, err := Decode([]byte(`["new_message",{"conversationId":"c9","messageId":"m1"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Event != EventNewMessage {
		t.Errorf("event = %q, want new_message", env.Event)
	}
	ref, err := ParseConversationRef(env.Data)
	if err != nil {
		t.Fatal(err)
	}
	if ref.ConversationID != "c9" || ref.MessageID != "m1" {
		t.Errorf("ref = %+v", ref)
	}
}

func TestDecodeRejectsUnnamedFrames(t *testing.T) {
	for _, raw := range []string{`{}`, `[]`, `{"data":{}}`, `garbage`} {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Errorf("Decode(%s) should fail", raw)
		}
	}
}

func TestParseConversationRefNestedMessage(t *testing.T) {
	ref, err := ParseConversationRef([]byte(`{"message":{"id":"m2","threadId":"t7"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if ref.ConversationID != "t7" || ref.MessageID != "m2" {
		t.Errorf("ref = %+v, want t7/m2", ref)
	}
}

func TestParseTypingSignal(t *testing.T) {
	sig, err := ParseTypingSignal([]byte(`{"threadId":"t1","userId":"u2","isTyping":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if sig.ConversationID != "t1" || sig.UserID != "u2" || !sig.IsTyping {
		t.Errorf("signal = %+v", sig)
	}
	if _, err := ParseTypingSignal([]byte(`{"conversationId":"t1"}`)); err == nil {
		t.Error("typing signal without user should fail")
	}
}

func TestParseReadReceipt(t *testing.T) {
	rr, err := ParseReadReceipt([]byte(`{"conversationId":"c1","readerId":"u3"}`))
	if err != nil {
		t.Fatal(err)
	}
	if rr.ConversationID != "c1" || rr.UserID != "u3" {
		t.Errorf("receipt = %+v", rr)
	}
}
