// Package cookie implements the migration side-channel document (C1):
// a small null-terminated XML blob exchanged between source and
// destination at each protocol step, carrying host/guest identity,
// lock state, graphics endpoint, persistent config, per-NIC vport data,
// and NBD port. It mirrors qemuMigrationCookieXMLFormat/qemuMigrationCookieXMLParse
// and the per-feature accumulator functions in qemu_migration.c, generalized
// from QEMU's specific cookie shape to the closed feature enum of the design.
package cookie

import (
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"

	"github.com/katamaran-project/migrated/migerr"
)

// Feature is one entry of the closed cookie feature enumeration. Unknown
// names encountered while parsing a document are a protocol error.
type Feature string

const (
	FeatureGraphics   Feature = "graphics"
	FeatureLockstate  Feature = "lockstate"
	FeaturePersistent Feature = "persistent"
	FeatureNetwork    Feature = "network"
	FeatureNBD        Feature = "nbd"
)

var knownFeatures = map[Feature]bool{
	FeatureGraphics:   true,
	FeatureLockstate:  true,
	FeaturePersistent: true,
	FeatureNetwork:    true,
	FeatureNBD:        true,
}

// Graphics is the optional graphics sub-record.
type Graphics struct {
	Type       string `xml:"type,attr"`
	Port       int    `xml:"port,attr"`
	TLSPort    int    `xml:"tlsPort,attr,omitempty"`
	Listen     string `xml:"listen,attr"`
	TLSSubject string `xml:"cert>value,omitempty"`
}

// LockState is the optional lock-manager sub-record.
type LockState struct {
	Driver string `xml:"driver,attr"`
	Leases string `xml:"leases"`
}

// NetworkInterface is one <interface> entry of the Network sub-record.
type NetworkInterface struct {
	Index     int    `xml:"index,attr"`
	VPortType string `xml:"vporttype,attr"`
	PortData  string `xml:"portdata,omitempty"`
}

// Network is the optional per-NIC vport sub-record.
type Network struct {
	Interfaces []NetworkInterface `xml:"interface"`
}

// NBD is the optional NBD-port sub-record.
type NBD struct {
	Port int `xml:"port,attr,omitempty"`
}

// Cookie is the decoded migration side-channel document.
type Cookie struct {
	Name     string
	UUID     uuid.UUID
	Hostname string
	HostUUID uuid.UUID

	// Advertised is every feature bit this side chose to include.
	Advertised map[Feature]bool
	// Mandatory is the subset of Advertised the recipient MUST honour;
	// anything not in the recipient's requested mask is a protocol error.
	Mandatory map[Feature]bool

	Graphics     *Graphics
	LockState    *LockState
	PersistentXML string // borrowed reference to the pending replacement definition; never freed here
	Network      *Network
	NBD          *NBD
}

// wireDoc is the on-the-wire XML shape. Cookie is kept separate so callers
// work with Go-native maps/types instead of XML plumbing.
type wireDoc struct {
	XMLName   xml.Name     `xml:"qemu-migration"`
	Name      string       `xml:"name"`
	UUID      string       `xml:"uuid"`
	Hostname  string       `xml:"hostname"`
	HostUUID  string       `xml:"hostuuid"`
	Features  []wireFeature `xml:"feature"`
	Graphics  *Graphics    `xml:"graphics"`
	LockState *LockState   `xml:"lockstate"`
	Domain    *wireDomain  `xml:"domain"`
	Network   *Network     `xml:"network"`
	NBD       *NBD         `xml:"nbd"`
}

type wireFeature struct {
	Name string `xml:"name,attr"`
}

type wireDomain struct {
	Inner string `xml:",innerxml"`
}

// Baker accumulates cookie sub-records for one Bake call. A fresh Baker
// must be used per Bake invocation: accumulator methods reject being
// invoked twice for the same feature, mirroring the original's re-entry
// guards on mig->flags bits.
type Baker struct {
	LocalHostname string
	LocalHostUUID uuid.UUID
	GuestName     string
	GuestUUID     uuid.UUID

	// LockInquire, when set, is called to obtain the current lock driver
	// name and lease blob when the guest is not paused (an external
	// collaborator — the lock manager plugin — out of this module's scope
	// per the design; callers inject their own).
	LockInquire func() (driver, leases string, err error)
	// GraphicsAlloc, when set, allocates/describes the graphics listen
	// endpoint (the security label manager / display backend, also an
	// external collaborator).
	GraphicsAlloc func() (Graphics, error)

	cookie Cookie
	added  map[Feature]bool
}

// NewBaker starts a fresh accumulation for one outgoing cookie.
func NewBaker(hostname string, hostUUID uuid.UUID, guestName string, guestUUID uuid.UUID) *Baker {
	return &Baker{
		LocalHostname: hostname,
		LocalHostUUID: hostUUID,
		GuestName:     guestName,
		GuestUUID:     guestUUID,
		cookie: Cookie{
			Advertised: map[Feature]bool{},
			Mandatory:  map[Feature]bool{},
		},
		added: map[Feature]bool{},
	}
}

func (b *Baker) markAdded(f Feature) error {
	if b.added[f] {
		return migerr.New(migerr.DuplicateFeature, fmt.Sprintf("feature %q already added to this cookie", f))
	}
	b.added[f] = true
	return nil
}

// AddLockstate accumulates the lockstate sub-record: if the guest is
// paused, use the cached lock token (leases); otherwise inquire the lock
// manager. The driver name is recorded as a mandatory feature, matching
// qemuMigrationCookieAddLockstate. A call that fails does not count as
// having added the feature, so it may be retried.
func (b *Baker) AddLockstate(guestPaused bool, cachedDriver, cachedLeases string) (err error) {
	if err := b.markAdded(FeatureLockstate); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			delete(b.added, FeatureLockstate)
		}
	}()
	driver, leases := cachedDriver, cachedLeases
	if !guestPaused {
		if b.LockInquire == nil {
			return migerr.New(migerr.LockInquireFailed, "no lock manager inquiry available")
		}
		d, l, err := b.LockInquire()
		if err != nil {
			return migerr.Wrap(migerr.LockInquireFailed, "lock manager inquiry failed", err)
		}
		driver, leases = d, l
	}
	b.cookie.LockState = &LockState{Driver: driver, Leases: leases}
	b.cookie.Advertised[FeatureLockstate] = true
	b.cookie.Mandatory[FeatureLockstate] = true
	return nil
}

// AddGraphics accumulates the graphics sub-record.
func (b *Baker) AddGraphics() error {
	if err := b.markAdded(FeatureGraphics); err != nil {
		return err
	}
	if b.GraphicsAlloc == nil {
		return migerr.New(migerr.GraphicsAllocFailed, "no graphics endpoint available")
	}
	g, err := b.GraphicsAlloc()
	if err != nil {
		return migerr.Wrap(migerr.GraphicsAllocFailed, "allocating graphics endpoint", err)
	}
	b.cookie.Graphics = &g
	b.cookie.Advertised[FeatureGraphics] = true
	return nil
}

// AddPersistent accumulates a borrowed reference to the pending
// replacement domain definition. The caller retains ownership; this
// cookie must never free it.
func (b *Baker) AddPersistent(defXML string) error {
	if err := b.markAdded(FeaturePersistent); err != nil {
		return err
	}
	b.cookie.PersistentXML = defXML
	b.cookie.Advertised[FeaturePersistent] = true
	return nil
}

// AddNetwork accumulates the per-NIC vport sub-record.
func (b *Baker) AddNetwork(ifaces []NetworkInterface) error {
	if err := b.markAdded(FeatureNetwork); err != nil {
		return err
	}
	b.cookie.Network = &Network{Interfaces: ifaces}
	b.cookie.Advertised[FeatureNetwork] = true
	return nil
}

// AddNBD accumulates the NBD port sub-record.
func (b *Baker) AddNBD(port int) error {
	if err := b.markAdded(FeatureNBD); err != nil {
		return err
	}
	b.cookie.NBD = &NBD{Port: port}
	b.cookie.Advertised[FeatureNBD] = true
	return nil
}

// Bake finalizes the accumulated sub-records into a null-terminated XML
// document.
func (b *Baker) Bake() ([]byte, error) {
	b.cookie.Name = b.GuestName
	b.cookie.UUID = b.GuestUUID
	b.cookie.Hostname = b.LocalHostname
	b.cookie.HostUUID = b.LocalHostUUID

	doc := wireDoc{
		Name:      b.cookie.Name,
		UUID:      b.cookie.UUID.String(),
		Hostname:  b.cookie.Hostname,
		HostUUID:  b.cookie.HostUUID.String(),
		Graphics:  b.cookie.Graphics,
		LockState: b.cookie.LockState,
		Network:   b.cookie.Network,
		NBD:       b.cookie.NBD,
	}
	for f := range b.cookie.Advertised {
		doc.Features = append(doc.Features, wireFeature{Name: string(f)})
	}
	if b.cookie.PersistentXML != "" {
		doc.Domain = &wireDomain{Inner: b.cookie.PersistentXML}
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, migerr.Wrap(migerr.InternalError, "encoding migration cookie", err)
	}
	return append(out, 0), nil
}

// Eat parses a cookie document, applying the five enforcement rules of
// §4.1 in order. localHostname/localHostUUID/localGuestUUID/localGuestName
// identify this side; requested is the recipient's requested feature mask
// (what it is prepared to honour); requiredLockDriver, if non-empty, is
// this side's own lock driver name for the lockstate cross-check.
func Eat(data []byte, localHostname string, localHostUUID uuid.UUID, localGuestName string, localGuestUUID uuid.UUID, requested map[Feature]bool, requiredLockDriver string) (*Cookie, error) {
	// Rule (i): payload must be null-terminated.
	if len(data) == 0 || data[len(data)-1] != 0 {
		return nil, migerr.New(migerr.MalformedCookie, "cookie payload is not null-terminated")
	}
	body := data[:len(data)-1]

	var doc wireDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, migerr.Wrap(migerr.MalformedCookie, "parsing cookie document", err)
	}

	remoteHostUUID, err := uuid.Parse(doc.HostUUID)
	if err != nil {
		return nil, migerr.Wrap(migerr.MalformedCookie, "parsing cookie hostuuid", err)
	}
	remoteGuestUUID, err := uuid.Parse(doc.UUID)
	if err != nil {
		return nil, migerr.Wrap(migerr.MalformedCookie, "parsing cookie guest uuid", err)
	}

	c := &Cookie{
		Name:          doc.Name,
		UUID:          remoteGuestUUID,
		Hostname:      doc.Hostname,
		HostUUID:      remoteHostUUID,
		Advertised:    map[Feature]bool{},
		Mandatory:     map[Feature]bool{},
		Graphics:      doc.Graphics,
		LockState:     doc.LockState,
		Network:       doc.Network,
		NBD:           doc.NBD,
	}
	if doc.Domain != nil {
		c.PersistentXML = doc.Domain.Inner
	}
	for _, f := range doc.Features {
		feature := Feature(f.Name)
		if !knownFeatures[feature] {
			return nil, migerr.New(migerr.InternalError, fmt.Sprintf("unknown cookie feature %q", f.Name))
		}
		c.Advertised[feature] = true
	}
	// lockstate, when present, is always mandatory (mirrors Bake).
	if c.LockState != nil {
		c.Mandatory[FeatureLockstate] = true
	}

	// Rule (ii): remote host name and UUID must both differ from local
	// (loopback detection). UUID is the invariant actually relied on
	// elsewhere (§8); the hostname arm exists to match the spec text and
	// catch a misconfigured duplicate hostname even if UUIDs were generated
	// distinctly.
	if remoteHostUUID == localHostUUID || doc.Hostname == localHostname {
		return nil, migerr.New(migerr.SameHostMigration, "remote host name or UUID matches local host")
	}

	// Rule (iii): guest UUID must match; name mismatch is a warning only
	// (callers may log it — not surfaced as an error per §4.1). A zero
	// localGuestUUID means the caller has no local domain object yet
	// (e.g. PrepareDirect, before the destination creates one) and skips
	// the comparison.
	if localGuestUUID != uuid.Nil && remoteGuestUUID != localGuestUUID {
		return nil, migerr.New(migerr.InternalError, "guest UUID mismatch between cookie and local domain")
	}

	// Rule (iv): every mandatory feature must be in the recipient's requested mask.
	for f := range c.Mandatory {
		if !requested[f] {
			return nil, migerr.New(migerr.UnsupportedCookieFeature, fmt.Sprintf("mandatory feature %q not in requested flags", f))
		}
	}

	// Rule (v): lock driver must match, if lockstate present.
	if c.LockState != nil && requiredLockDriver != "" && c.LockState.Driver != requiredLockDriver {
		return nil, migerr.New(migerr.LockDriverMismatch, fmt.Sprintf("lock driver mismatch: cookie=%q local=%q", c.LockState.Driver, requiredLockDriver))
	}

	return c, nil
}
