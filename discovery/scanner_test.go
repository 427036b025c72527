package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestStartAnnouncerRegistersService(t *testing.T) {
	var gotInstance, gotService, gotDomain string
	var gotPort int
	var gotText []string

	announcer, err := StartAnnouncer(Config{
		InstanceName:    "workstation",
		Fingerprint:     "abcd1234",
		Port:            5745,
		ProtocolVersion: 1,
		registerFn: func(instance, service, domain string, port int, text []string, _ []net.Interface) (*zeroconf.Server, error) {
			gotInstance, gotService, gotDomain, gotPort, gotText = instance, service, domain, port, text
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("StartAnnouncer failed: %v", err)
	}
	defer announcer.Stop()

	if gotInstance != "workstation" || gotService != DefaultService || gotDomain != DefaultDomain || gotPort != 5745 {
		t.Fatalf("register args = %q %q %q %d", gotInstance, gotService, gotDomain, gotPort)
	}

	wantTxt := map[string]string{"fingerprint": "abcd1234", "version": "1"}
	txt := txtToMap(gotText)
	for key, want := range wantTxt {
		if txt[key] != want {
			t.Fatalf("TXT %s = %q, want %q", key, txt[key], want)
		}
	}
}

func TestStartAnnouncerValidates(t *testing.T) {
	if _, err := StartAnnouncer(Config{Fingerprint: "abcd", Port: 1}); err == nil {
		t.Fatalf("expected error for missing instance name")
	}
	if _, err := StartAnnouncer(Config{InstanceName: "x", Port: 1}); err == nil {
		t.Fatalf("expected error for missing fingerprint")
	}
	if _, err := StartAnnouncer(Config{InstanceName: "x", Fingerprint: "abcd"}); err == nil {
		t.Fatalf("expected error for missing port")
	}
}

func fakeBrowse(results []*zeroconf.ServiceEntry) browseFunc {
	return func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		go func() {
			for _, entry := range results {
				select {
				case entries <- entry:
				case <-ctx.Done():
					return
				}
			}
		}()
		return nil
	}
}

func serviceEntry(instance, fingerprint string, port int) *zeroconf.ServiceEntry {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: instance},
		HostName:      instance + ".local.",
		Port:          port,
		Text:          []string{"fingerprint=" + fingerprint, "version=1"},
		AddrIPv4:      []net.IP{net.ParseIP("192.168.1.20")},
	}
	return entry
}

func startScanner(t *testing.T, entries []*zeroconf.ServiceEntry) *Scanner {
	t.Helper()

	scanner, err := NewScanner(Config{
		Fingerprint: "selffp",
		ScanTimeout: 100 * time.Millisecond,
		browseFn:    fakeBrowse(entries),
	})
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	scanner.Start()
	t.Cleanup(scanner.Stop)
	return scanner
}

func TestScannerCollectsEndpoints(t *testing.T) {
	scanner := startScanner(t, []*zeroconf.ServiceEntry{
		serviceEntry("desk", "aaaa", 5745),
		serviceEntry("laptop", "bbbb", 5746),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := scanner.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	endpoints := scanner.Endpoints()
	if len(endpoints) != 2 {
		t.Fatalf("endpoint count = %d, want 2", len(endpoints))
	}
	// Sorted by name.
	if endpoints[0].Name != "desk" || endpoints[1].Name != "laptop" {
		t.Fatalf("unexpected order: %q, %q", endpoints[0].Name, endpoints[1].Name)
	}
	if endpoints[0].Fingerprint != "aaaa" || endpoints[0].Port != 5745 {
		t.Fatalf("endpoint fields wrong: %+v", endpoints[0])
	}
	if len(endpoints[0].Addresses) != 1 || endpoints[0].Addresses[0] != "192.168.1.20" {
		t.Fatalf("addresses wrong: %v", endpoints[0].Addresses)
	}
}

func TestScannerFiltersOwnAnnouncement(t *testing.T) {
	scanner := startScanner(t, []*zeroconf.ServiceEntry{
		serviceEntry("self", "selffp", 5745),
		serviceEntry("other", "cccc", 5745),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := scanner.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	endpoints := scanner.Endpoints()
	if len(endpoints) != 1 || endpoints[0].Fingerprint != "cccc" {
		t.Fatalf("self announcement not filtered: %+v", endpoints)
	}
}

func TestScannerEmitsUpsertEvents(t *testing.T) {
	scanner := startScanner(t, []*zeroconf.ServiceEntry{
		serviceEntry("desk", "aaaa", 5745),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := scanner.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	select {
	case event := <-scanner.Events():
		if event.Type != EventEndpointUpserted || event.Endpoint.Fingerprint != "aaaa" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("no upsert event emitted")
	}
}

func TestScannerStopClosesEvents(t *testing.T) {
	scanner := startScanner(t, []*zeroconf.ServiceEntry{
		serviceEntry("desk", "aaaa", 5745),
	})

	scanner.Stop()

	// Consumers range over Events; Stop must end that loop.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-scanner.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("events channel still open after Stop")
		}
	}
}

func TestScannerIgnoresEntriesWithoutFingerprint(t *testing.T) {
	entry := serviceEntry("desk", "", 5745)
	entry.Text = []string{"version=1"}
	scanner := startScanner(t, []*zeroconf.ServiceEntry{entry})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := scanner.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if endpoints := scanner.Endpoints(); len(endpoints) != 0 {
		t.Fatalf("fingerprintless entry accepted: %+v", endpoints)
	}
}
