package dehyphenator

import "testing"

func TestDehyphenateString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		opts Options
		want string
	}{
		{"plain lines", "first line\nsecond line", Options{}, "first line\nsecond line\n"},
		{"split word", "a recog-\nnized word", Options{}, "a recognized word\n"},
		{"german compound", "die Bundes-\nRepublik", Options{}, "die Bundes-Republik\n"},
		{"uppercase before hyphen", "die EU-\nKommission", Options{}, "die EU-Kommission\n"},
		{"dash before line break", "one more thing -\nthe end", Options{}, "one more thing -\nthe end\n"},
		{"hyphen only line", "above\n-\nbelow", Options{}, "above\n\nbelow\n"},
		{"surrounding space", "  indented \n", Options{}, "indented\n"},
		{"remove newlines", "one\ntwo\n\nthree", Options{RemoveNewlines: true}, "one two three "},
		{"remove newlines with split word", "hyphen-\nated text", Options{RemoveNewlines: true}, "hyphenated text "},
		{"empty", "", Options{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DehyphenateString(tt.in, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
