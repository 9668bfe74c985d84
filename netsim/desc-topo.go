package netsim

// file desc-topo.go holds structs, methods, and data structures supporting
// the construction of and access to descriptions of the dumbbell topologies
// an iteration builds, in forms that can be serialized and read back

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// TopoKind names the family of dumbbell being built
type TopoKind string

const (
	Wired    TopoKind = "wired"
	Wireless TopoKind = "wireless"
)

// TopoKindFromStr maps a (case-insensitive) name to a TopoKind
func TopoKindFromStr(name string) (TopoKind, error) {
	switch strings.ToLower(name) {
	case "wired":
		return Wired, nil
	case "wireless":
		return Wireless, nil
	}
	return TopoKind(""), fmt.Errorf("topology %q not recognized", name)
}

// device type codes carried in descriptions
const (
	EndptType  = "Endpt"
	RouterType = "Router"
	APType     = "AccessPoint"
)

// link roles and media
const (
	AccessRole     = "access"
	BottleneckRole = "bottleneck"
	WiredMedia     = "wired"
	WirelessMedia  = "wireless"
)

// names of the devices and links of every dumbbell. The leaves are
// always n0 (left) and n1 (right)
const (
	LeftLeaf        = "n0"
	RightLeaf       = "n1"
	AccessLeftLink  = "access-left"
	BottleneckLink  = "bottleneck"
	AccessRightLink = "access-right"
)

// LinkParams holds the string-encoded performance attributes of a link.
// Rates look like "10Mbps", delays like "50ms", queue sizes like "62500B".
type LinkParams struct {
	DataRate  string  `json:"datarate" yaml:"datarate"`
	Delay     string  `json:"delay" yaml:"delay"`
	QueueSize string  `json:"queuesize" yaml:"queuesize"`
	LossRate  float64 `json:"lossrate" yaml:"lossrate"`
}

// merge returns a copy of lp with every non-zero field of over written on top
func (lp LinkParams) merge(over LinkParams) LinkParams {
	if len(over.DataRate) > 0 {
		lp.DataRate = over.DataRate
	}
	if len(over.Delay) > 0 {
		lp.Delay = over.Delay
	}
	if len(over.QueueSize) > 0 {
		lp.QueueSize = over.QueueSize
	}
	if over.LossRate > 0 {
		lp.LossRate = over.LossRate
	}
	return lp
}

// LinkSet gives the parameters of the two access links (identical) and the bottleneck
type LinkSet struct {
	Access     LinkParams `json:"access" yaml:"access"`
	Bottleneck LinkParams `json:"bottleneck" yaml:"bottleneck"`
}

// DefaultLinkSet returns the standard link parameters of the topology kind
func DefaultLinkSet(kind TopoKind) LinkSet {
	if kind == Wireless {
		return LinkSet{
			Access:     LinkParams{DataRate: "108Mbps", Delay: "200ns", QueueSize: "250000B"},
			Bottleneck: LinkParams{DataRate: "10Mbps", Delay: "100ms", QueueSize: "125000B"},
		}
	}
	return LinkSet{
		Access:     LinkParams{DataRate: "100Mbps", Delay: "20ms", QueueSize: "250000B"},
		Bottleneck: LinkParams{DataRate: "10Mbps", Delay: "50ms", QueueSize: "62500B"},
	}
}

// Merge returns the link set with the non-zero fields of over applied
func (ls LinkSet) Merge(over LinkSet) LinkSet {
	return LinkSet{Access: ls.Access.merge(over.Access), Bottleneck: ls.Bottleneck.merge(over.Bottleneck)}
}

// Validate checks that every string-encoded value parses
func (ls LinkSet) Validate() error {
	errs := []error{}
	for _, lp := range []LinkParams{ls.Access, ls.Bottleneck} {
		_, err := lp.decode()
		errs = append(errs, err)
	}
	return ReportErrs(errs)
}

// linkPerf is the decoded form of LinkParams used by the engine
type linkPerf struct {
	bndwdth  float64 // bits per second
	latency  float64 // seconds
	bufferSz int     // bytes
	drop     float64 // per-frame loss probability
}

func (lp LinkParams) decode() (linkPerf, error) {
	var lpf linkPerf
	var rerr, derr, qerr error
	lpf.bndwdth, rerr = ParseDataRate(lp.DataRate)
	lpf.latency, derr = ParseDelay(lp.Delay)
	lpf.bufferSz, qerr = ParseQueueSize(lp.QueueSize)
	lpf.drop = lp.LossRate
	var lerr error
	if lp.LossRate < 0 || lp.LossRate >= 1 {
		lerr = fmt.Errorf("loss rate %v outside [0,1)", lp.LossRate)
	}
	return lpf, ReportErrs([]error{rerr, derr, qerr, lerr})
}

// IntrfcDesc defines a serializable description of a network interface
type IntrfcDesc struct {
	// name for interface, unique among interfaces on the device
	Name string `json:"name" yaml:"name"`

	// name of the device holding the interface
	Device string `json:"device" yaml:"device"`

	// type of device that is home to this interface, i.e., "Endpt", "Router", "AccessPoint"
	DevType string `json:"devtype" yaml:"devtype"`

	// 'wired' or 'wireless'
	MediaType string `json:"mediatype" yaml:"mediatype"`

	// dotted IPv4 address
	Addr string `json:"addr" yaml:"addr"`

	// name of the link the interface attaches to
	Link string `json:"link" yaml:"link"`

	// name of the interface at the other end of the link
	Peer string `json:"peer" yaml:"peer"`
}

// IntrfcFrame gives a pre-serializable description of an interface, used in model construction.
// 'Almost' the same as IntrfcDesc, with the exception of the pointer to the peer
type IntrfcFrame struct {
	Name      string
	Device    string
	DevType   string
	MediaType string
	Addr      netip.Addr
	Link      string
	Peer      *IntrfcFrame
}

// Transform converts an IntrfcFrame and returns an IntrfcDesc, for serialization.
func (ifcf *IntrfcFrame) Transform() IntrfcDesc {
	intrfcDesc := IntrfcDesc{Name: ifcf.Name, Device: ifcf.Device, DevType: ifcf.DevType,
		MediaType: ifcf.MediaType, Addr: ifcf.Addr.String(), Link: ifcf.Link}
	if ifcf.Peer != nil {
		intrfcDesc.Peer = ifcf.Peer.Name
	}
	return intrfcDesc
}

// DevDesc is the serializable description of a node
type DevDesc struct {
	Name       string       `json:"name" yaml:"name"`
	DevType    string       `json:"devtype" yaml:"devtype"`
	Groups     []string     `json:"groups" yaml:"groups"`
	Interfaces []IntrfcDesc `json:"interfaces" yaml:"interfaces"`
}

// DevFrame is the construction-time description of a node
type DevFrame struct {
	Name       string
	DevType    string
	Groups     []string
	Interfaces []*IntrfcFrame
}

// CreateDevFrame is a constructor
func CreateDevFrame(name, devType string) *DevFrame {
	df := new(DevFrame)
	df.Name = name
	df.DevType = devType
	df.Groups = []string{}
	df.Interfaces = make([]*IntrfcFrame, 0)
	return df
}

// AddGroup includes a group name with the device, once
func (df *DevFrame) AddGroup(groupName string) {
	if !slices.Contains(df.Groups, groupName) {
		df.Groups = append(df.Groups, groupName)
	}
}

// Transform converts a DevFrame into a DevDesc
func (df *DevFrame) Transform() DevDesc {
	dd := DevDesc{Name: df.Name, DevType: df.DevType, Groups: df.Groups}
	dd.Interfaces = make([]IntrfcDesc, 0, len(df.Interfaces))
	for _, intrfc := range df.Interfaces {
		dd.Interfaces = append(dd.Interfaces, intrfc.Transform())
	}
	return dd
}

// LinkDesc is the serializable description of a link between two interfaces
type LinkDesc struct {
	Name      string     `json:"name" yaml:"name"`
	Role      string     `json:"role" yaml:"role"`
	MediaType string     `json:"mediatype" yaml:"mediatype"`
	Groups    []string   `json:"groups" yaml:"groups"`
	Subnet    string     `json:"subnet" yaml:"subnet"`
	IntrfcA   string     `json:"intrfca" yaml:"intrfca"`
	IntrfcB   string     `json:"intrfcb" yaml:"intrfcb"`
	Params    LinkParams `json:"params" yaml:"params"`
}

// LinkFrame is the construction-time description of a link
type LinkFrame struct {
	Name      string
	Role      string
	MediaType string
	Groups    []string
	Subnet    netip.Prefix
	IntrfcA   *IntrfcFrame
	IntrfcB   *IntrfcFrame
	Params    LinkParams
}

// Transform converts a LinkFrame into a LinkDesc
func (lf *LinkFrame) Transform() LinkDesc {
	ld := LinkDesc{Name: lf.Name, Role: lf.Role, MediaType: lf.MediaType, Groups: lf.Groups,
		Subnet: lf.Subnet.String(), Params: lf.Params}
	ld.IntrfcA = lf.IntrfcA.Name
	ld.IntrfcB = lf.IntrfcB.Name
	return ld
}

// ConnectDevs creates an interface on each device, joins the two through a new link,
// and gives the interfaces the first two host addresses of the subnet (devA first)
func ConnectDevs(devA, devB *DevFrame, name, role, mediaType, subnet string, params LinkParams) (*LinkFrame, error) {
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return nil, err
	}
	prefix = prefix.Masked()
	addrA := prefix.Addr().Next()
	addrB := addrA.Next()
	if !prefix.Contains(addrB) {
		return nil, fmt.Errorf("subnet %s too small for link %s", subnet, name)
	}

	intrfcA := &IntrfcFrame{Name: fmt.Sprintf("%s[.%d]", devA.Name, len(devA.Interfaces)), Device: devA.Name,
		DevType: devA.DevType, MediaType: mediaType, Addr: addrA, Link: name}
	intrfcB := &IntrfcFrame{Name: fmt.Sprintf("%s[.%d]", devB.Name, len(devB.Interfaces)), Device: devB.Name,
		DevType: devB.DevType, MediaType: mediaType, Addr: addrB, Link: name}
	intrfcA.Peer = intrfcB
	intrfcB.Peer = intrfcA
	devA.Interfaces = append(devA.Interfaces, intrfcA)
	devB.Interfaces = append(devB.Interfaces, intrfcB)

	lf := &LinkFrame{Name: name, Role: role, MediaType: mediaType, Groups: []string{},
		Subnet: prefix, IntrfcA: intrfcA, IntrfcB: intrfcB, Params: params}
	return lf, nil
}

// TopoCfg is the serializable description of a whole topology
type TopoCfg struct {
	Name  string     `json:"name" yaml:"name"`
	Kind  TopoKind   `json:"kind" yaml:"kind"`
	Devs  []DevDesc  `json:"devs" yaml:"devs"`
	Links []LinkDesc `json:"links" yaml:"links"`
}

// TopoCfgFrame gives the highest level structure of the topology under construction
type TopoCfgFrame struct {
	Name  string
	Kind  TopoKind
	Devs  []*DevFrame
	Links []*LinkFrame
}

// CreateTopoCfgFrame is a constructor.
func CreateTopoCfgFrame(name string, kind TopoKind) *TopoCfgFrame {
	tf := new(TopoCfgFrame)
	tf.Name = name
	tf.Kind = kind
	tf.Devs = make([]*DevFrame, 0)
	tf.Links = make([]*LinkFrame, 0)
	return tf
}

// addDev adds a device, ignoring duplicates by name
func (tf *TopoCfgFrame) addDev(df *DevFrame) {
	for _, stored := range tf.Devs {
		if stored == df || stored.Name == df.Name {
			return
		}
	}
	tf.Devs = append(tf.Devs, df)
}

// DevByName returns the device frame with the given name, or nil
func (tf *TopoCfgFrame) DevByName(name string) *DevFrame {
	for _, df := range tf.Devs {
		if df.Name == name {
			return df
		}
	}
	return nil
}

// LinkByName returns the link frame with the given name, or nil
func (tf *TopoCfgFrame) LinkByName(name string) *LinkFrame {
	for _, lf := range tf.Links {
		if lf.Name == name {
			return lf
		}
	}
	return nil
}

// Transform converts the frame into a TopoCfg for serialization
func (tf *TopoCfgFrame) Transform() TopoCfg {
	tc := TopoCfg{Name: tf.Name, Kind: tf.Kind}
	tc.Devs = make([]DevDesc, 0, len(tf.Devs))
	for _, df := range tf.Devs {
		tc.Devs = append(tc.Devs, df.Transform())
	}
	tc.Links = make([]LinkDesc, 0, len(tf.Links))
	for _, lf := range tf.Links {
		tc.Links = append(tc.Links, lf.Transform())
	}
	return tc
}

// dumbbell subnets: left access, bottleneck, right access
var dumbbellSubnets = map[TopoKind][3]string{
	Wired:    {"10.1.1.0/24", "10.3.1.0/24", "10.2.1.0/24"},
	Wireless: {"10.1.1.0/24", "10.1.2.0/24", "10.1.3.0/24"},
}

// BuildDumbbell constructs the description of a dumbbell of the given kind:
// leaf n0, an inner pair of routers (wired) or access points (wireless), and leaf n1.
// The access links take ls.Access, the link between the inner pair ls.Bottleneck.
func BuildDumbbell(name string, kind TopoKind, ls LinkSet) (*TopoCfgFrame, error) {
	subnets, present := dumbbellSubnets[kind]
	if !present {
		return nil, fmt.Errorf("topology %q not recognized", kind)
	}

	innerType, innerL, innerR, accessMedia := RouterType, "r1", "r2", WiredMedia
	if kind == Wireless {
		innerType, innerL, innerR, accessMedia = APType, "bs0", "bs1", WirelessMedia
	}

	tf := CreateTopoCfgFrame(name, kind)
	n0 := CreateDevFrame(LeftLeaf, EndptType)
	left := CreateDevFrame(innerL, innerType)
	right := CreateDevFrame(innerR, innerType)
	n1 := CreateDevFrame(RightLeaf, EndptType)
	n0.AddGroup("left")
	left.AddGroup("left")
	right.AddGroup("right")
	n1.AddGroup("right")
	for _, df := range []*DevFrame{n0, left, right, n1} {
		tf.addDev(df)
	}

	accessL, errL := ConnectDevs(n0, left, AccessLeftLink, AccessRole, accessMedia, subnets[0], ls.Access)
	bneck, errB := ConnectDevs(left, right, BottleneckLink, BottleneckRole, WiredMedia, subnets[1], ls.Bottleneck)
	accessR, errR := ConnectDevs(n1, right, AccessRightLink, AccessRole, accessMedia, subnets[2], ls.Access)
	if err := ReportErrs([]error{errL, errB, errR}); err != nil {
		return nil, err
	}
	accessL.Groups = append(accessL.Groups, "left")
	accessR.Groups = append(accessR.Groups, "right")
	tf.Links = append(tf.Links, accessL, bneck, accessR)

	return tf, nil
}

// WriteToFile stores the TopoCfg struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tc *TopoCfg) WriteToFile(filename string) error {
	return writeSerialized(filename, *tc)
}

// ReadTopoCfg deserializes a byte slice holding a representation of a TopoCfg struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.
func ReadTopoCfg(filename string, useYAML bool, dict []byte) (*TopoCfg, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := TopoCfg{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, err
	}
	return &example, nil
}

// writeSerialized marshals obj as yaml or json, chosen by the extension of filename
func writeSerialized(filename string, obj any) error {
	var bytes []byte
	var merr error

	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		bytes, merr = yaml.Marshal(obj)
	case ".json", ".JSON":
		bytes, merr = json.MarshalIndent(obj, "", "\t")
	default:
		return fmt.Errorf("file %s needs a .yaml or .json extension", filename)
	}
	if merr != nil {
		return merr
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		return cerr
	}
	_, werr := f.Write(bytes)
	err := f.Close()
	if werr != nil {
		return werr
	}
	return err
}

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
func ReportErrs(errs []error) error {
	errMsg := make([]string, 0)
	for _, err := range errs {
		if err != nil {
			errMsg = append(errMsg, err.Error())
		}
	}
	if len(errMsg) == 0 {
		return nil
	}

	return errors.New(strings.Join(errMsg, ","))
}

// CheckDirectories probes the file system for the existence
// of every directory listed.  Returns a boolean
// indicating whether all dirs are valid, and returns an aggregated error
// if any checks failed.
func CheckDirectories(dirs []string) (bool, error) {
	failures := []error{}

	for _, dir := range dirs {
		if len(dir) == 0 {
			continue
		}

		info, err := os.Stat(dir)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s not reachable", dir))
			continue
		}
		if !info.IsDir() {
			failures = append(failures, fmt.Errorf("%s not a directory", dir))
		}
	}

	if len(failures) > 0 {
		return false, ReportErrs(failures)
	}
	return true, nil
}

// CheckOutputFiles probes the file system to ensure that the directory
// of every argument filename exists, so the file can be written.
func CheckOutputFiles(names []string) (bool, error) {
	errs := make([]error, 0)

	for _, name := range names {
		if len(name) == 0 {
			continue
		}

		directory, _ := filepath.Split(name)
		if len(directory) == 0 {
			continue
		}
		if _, err := os.Stat(directory); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return false, ReportErrs(errs)
	}
	return true, nil
}
