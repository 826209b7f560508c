package options

import "testing"

func TestDefaultTableRows(t *testing.T) {
	table := DefaultTable()

	mp3, ok := table.audio("MP3")
	if !ok || mp3.Codec != "libmp3lame" || mp3.MaxBitrate != 320 || mp3.DefaultBitrate != 192 {
		t.Fatalf("unexpected mp3 row %+v", mp3)
	}
	if wav, _ := table.audio("wav"); !wav.Lossless() {
		t.Fatalf("wav should be lossless")
	}
	amr, _ := table.audio("amr")
	if amr.MaxBitrate != 12 || len(amr.Options) != 4 {
		t.Fatalf("unexpected amr row %+v", amr)
	}

	threeGP, ok := table.video("3gp")
	if !ok || !threeGP.Legacy || !threeGP.ForceResolution || threeGP.MaxResolution != "320x240" {
		t.Fatalf("unexpected 3gp row %+v", threeGP)
	}
	if webm, _ := table.video("webm"); webm.VideoCodec != "libvpx-vp9" || webm.AudioCodec != "libopus" {
		t.Fatalf("unexpected webm row %+v", webm)
	}
	if len(table.Audio) != 13 {
		t.Fatalf("expected 13 audio formats, got %d", len(table.Audio))
	}
	if len(table.Video) != 13 {
		t.Fatalf("expected 13 video formats, got %d", len(table.Video))
	}
}

func TestParseTableRejectsInvalidRows(t *testing.T) {
	cases := []string{
		"audio:\n  x:\n    max_bitrate: 10\n",
		"audio:\n  x:\n    codec: c\n    max_bitrate: 10\n    default_bitrate: 20\n",
		"video:\n  x:\n    video_codec: v\n",
		"video:\n  x:\n    video_codec: v\n    audio_codec: a\n    max_resolution: big\n",
		"inputs:\n  spreadsheet: [xlsx]\n",
	}
	for _, input := range cases {
		if _, err := ParseTable([]byte(input)); err == nil {
			t.Errorf("expected error for table %q", input)
		}
	}
}
