package bot

import (
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestSnapshot(t *testing.T) {
	cases := []struct {
		name string
		msg  *tele.Message
		want string
	}{
		{"text", &tele.Message{Text: "hello"}, "hello"},
		{"photo", &tele.Message{Photo: &tele.Photo{}}, "[photo]"},
		{"photo with caption", &tele.Message{Photo: &tele.Photo{}, Caption: "look"}, "[photo] look"},
		{"voice", &tele.Message{Voice: &tele.Voice{}}, "[voice]"},
		{"sticker", &tele.Message{Sticker: &tele.Sticker{}}, "[sticker]"},
		{"unknown", &tele.Message{}, "[unsupported]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := snapshot(tc.msg); got != tc.want {
				t.Fatalf("snapshot = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestActorFrom(t *testing.T) {
	u := &tele.User{ID: 7, FirstName: "Ada", LastName: "L", Username: "ada"}
	got := actorFrom(u)
	if got.ID != 7 || got.DisplayName != "Ada L" || got.Username != "ada" {
		t.Fatalf("actor = %+v", got)
	}

	if got := actorFrom(nil); got.ID != 0 {
		t.Fatalf("nil user must map to zero actor, got %+v", got)
	}
}
