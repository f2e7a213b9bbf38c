package catalog

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleCatalog = `{
  "devices": [
    {
      "name": "BeaglePlay",
      "tags": ["beagle-am62"],
      "flasher": "SdCard"
    },
    {
      "name": "BeagleConnect Freedom",
      "tags": ["beagleconnect-freedom"],
      "flasher": "BeagleConnectFreedom"
    }
  ],
  "os_list": [
    {
      "name": "Debian 12 Flasher",
      "url": "https://example.org/debian-12.img.xz",
      "image_download_sha256": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
      "devices": ["beagle-am62"]
    },
    {
      "name": "MicroBlocks",
      "subitems_url": "https://example.org/microblocks.json"
    }
  ]
}`

func TestParseSampleCatalog(t *testing.T) {
	c, err := Parse([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if len(c.Devices) != 2 || len(c.OsList) != 2 {
		t.Fatalf("unexpected catalog shape: %d devices, %d entries", len(c.Devices), len(c.OsList))
	}

	dev, ok := c.Device("BeaglePlay")
	if !ok || dev.Flasher != FlasherSdCard {
		t.Fatalf("BeaglePlay lookup failed: %+v", dev)
	}

	if _, ok := c.DeviceByTag("beagleconnect-freedom"); !ok {
		t.Fatal("tag lookup failed")
	}

	leaf := c.OsList[0]
	if !leaf.IsLeaf() || leaf.IsBranch() {
		t.Fatal("first entry should be a leaf")
	}
	branch := c.OsList[1]
	if !branch.IsBranch() || branch.IsLeaf() {
		t.Fatal("second entry should be a branch")
	}
}

func TestValidateRejectsAmbiguousEntries(t *testing.T) {
	sha := strings.Repeat("a", 64)

	cases := []struct {
		name    string
		entry   Entry
		wantErr bool
	}{
		{"leaf", Entry{Name: "ok", URL: "https://x/i.img", SHA256: sha}, false},
		{"branch", Entry{Name: "ok", Subitems: []*Entry{{}}}, false},
		{"both", Entry{Name: "bad", URL: "https://x/i.img", SHA256: sha, SubitemsURL: "https://x/sub.json"}, true},
		{"neither", Entry{Name: "bad"}, true},
		{"leaf without checksum", Entry{Name: "bad", URL: "https://x/i.img"}, true},
		{"leaf with short checksum", Entry{Name: "bad", URL: "https://x/i.img", SHA256: "abcd"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.entry.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCompatibleWithIsCaseSensitive(t *testing.T) {
	e := Entry{Devices: []string{"beagle-am62"}}

	if !e.CompatibleWith("beagle-am62") {
		t.Fatal("expected exact tag to match")
	}
	if e.CompatibleWith("Beagle-AM62") {
		t.Fatal("tag matching must be case-sensitive")
	}

	universal := Entry{}
	if !universal.CompatibleWith("anything") {
		t.Fatal("entry without device restriction must match everything")
	}
}

func TestMergeOverlaysRemoteCatalog(t *testing.T) {
	local, err := Parse([]byte(sampleCatalog))
	if err != nil {
		t.Fatal(err)
	}

	remote := &Catalog{
		Devices: []*Device{
			{Name: "BeaglePlay", Tags: []string{"beagle-am62", "am62"}, Flasher: FlasherSdCard},
			{Name: "PocketBeagle 2", Tags: []string{"pocketbeagle2"}, Flasher: FlasherPb2Mspm0},
		},
		OsList: []*Entry{
			{Name: "Debian 13 Flasher", URL: "https://example.org/debian-13.img.xz", SHA256: strings.Repeat("b", 64)},
		},
	}

	merged := local.Merge(remote)

	if len(merged.Devices) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(merged.Devices))
	}
	play, _ := merged.Device("BeaglePlay")
	if diff := cmp.Diff([]string{"beagle-am62", "am62"}, play.Tags); diff != "" {
		t.Fatalf("remote device did not replace local (-want +got):\n%s", diff)
	}
	if len(merged.OsList) != 3 {
		t.Fatalf("expected 3 os entries, got %d", len(merged.OsList))
	}

	// The receiver must stay untouched.
	if len(local.Devices) != 2 || len(local.OsList) != 2 {
		t.Fatal("merge mutated the local catalog")
	}
}

func TestFlasherKnown(t *testing.T) {
	for _, f := range []Flasher{FlasherSdCard, FlasherBeagleConnectFreedom, FlasherMsp430Usb, FlasherPb2Mspm0} {
		if !f.Known() {
			t.Fatalf("%s should be known", f)
		}
	}
	if Flasher("UsbStick").Known() {
		t.Fatal("unknown discriminator accepted")
	}
}
