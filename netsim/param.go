package netsim

// param.go holds the run-time parameter overrides that can be applied to the links
// of a dumbbell before it is materialized. A parameter names the kind of object it
// configures, a list of attributes an object must match, the parameter and its value.

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// AttrbStruct holds the name of an attribute and a value for it
type AttrbStruct struct {
	AttrbName  string `json:"attrbname" yaml:"attrbname"`
	AttrbValue string `json:"attrbvalue" yaml:"attrbvalue"`
}

// CreateAttrbStruct is a constructor
func CreateAttrbStruct(attrbName, attrbValue string) *AttrbStruct {
	as := new(AttrbStruct)
	as.AttrbName = attrbName
	as.AttrbValue = attrbValue
	return as
}

// the object kinds, attributes and parameters an ExpParameter may name
var (
	expParamObjs  = []string{"Link"}
	expAttributes = map[string][]string{"Link": {"name", "group", "role", "media", "*"}}
	expParams     = map[string][]string{"Link": {"datarate", "delay", "queuesize", "lossrate"}}
)

// ValidateAttribute checks that the attribute named is one that associates with the parameter object type named
func ValidateAttribute(paramObj, attrbName string) bool {
	attrbs, present := expAttributes[paramObj]
	if !present {
		return false
	}
	return slices.Contains(attrbs, attrbName)
}

// ExpParameter struct describes an override applied to the topology description
// before an iteration's universe is built.
//   - ParamObj identifies the kind of thing being configured, "Link"
//   - Attributes is a list of attributes, each of which are required for the parameter value to be applied.
type ExpParameter struct {
	ParamObj   string        `json:"paramObj" yaml:"paramObj"`
	Attributes []AttrbStruct `json:"attributes" yaml:"attributes"`

	// Param is one of "datarate", "delay", "queuesize", "lossrate"
	Param string `json:"param" yaml:"param"`

	// string-encoded value, in the units LinkParams uses
	Value string `json:"value" yaml:"value"`
}

// CreateExpParameter is a constructor.  Completely fills in the struct with the [ExpParameter] attributes.
func CreateExpParameter(paramObj string, attributes []AttrbStruct, param, value string) *ExpParameter {
	return &ExpParameter{ParamObj: paramObj, Attributes: attributes, Param: param, Value: value}
}

// AddAttribute includes another attribute to those associated with the ExpParameter.
// An error is returned if the attribute name (other than 'group') already exists
func (epp *ExpParameter) AddAttribute(attrbName, attrbValue string) error {
	if !ValidateAttribute(epp.ParamObj, attrbName) {
		return fmt.Errorf("attribute name %s not allowed for parameter object type %s",
			attrbName, epp.ParamObj)
	}

	for _, attrb := range epp.Attributes {
		if attrb.AttrbName == attrbName && attrb.AttrbValue == attrbValue {
			return nil
		}
		if attrb.AttrbName == attrbName && attrbName != "group" {
			return fmt.Errorf("attribute name %s already exists for parameter object", attrbName)
		}
	}

	epp.Attributes = append(epp.Attributes, *CreateAttrbStruct(attrbName, attrbValue))
	return nil
}

// Validate returns an error if the paramObj, attributes, param and value don't
// make sense taken together
func (epp *ExpParameter) Validate() error {
	if !slices.Contains(expParamObjs, epp.ParamObj) {
		return fmt.Errorf("parameter object %q is not recognized", epp.ParamObj)
	}
	if len(epp.Attributes) == 0 {
		return fmt.Errorf("parameter %s on %s has no attributes", epp.Param, epp.ParamObj)
	}
	for _, attrb := range epp.Attributes {
		if !ValidateAttribute(epp.ParamObj, attrb.AttrbName) {
			return fmt.Errorf("attribute %s not valid for parameter object type %s", attrb.AttrbName, epp.ParamObj)
		}
	}
	if !slices.Contains(expParams[epp.ParamObj], epp.Param) {
		return fmt.Errorf("parameter %q not valid for parameter object type %s", epp.Param, epp.ParamObj)
	}

	// check the value decodes
	var lp LinkParams
	if err := setLinkParam(&lp, epp.Param, epp.Value); err != nil {
		return err
	}
	return nil
}

// ExpCfg structure holds all of the ExpParameters for a named experiment
type ExpCfg struct {
	Name       string         `json:"expname" yaml:"expname"`
	Parameters []ExpParameter `json:"parameters" yaml:"parameters"`
}

// CreateExpCfg is a constructor. Saves the offered Name and initializes the slice of ExpParameters.
func CreateExpCfg(name string) *ExpCfg {
	return &ExpCfg{Name: name, Parameters: make([]ExpParameter, 0)}
}

// AddParameter accepts the four values in an ExpParameter, creates one, and adds to the ExpCfg's list.
// Returns an error if the parameter does not validate.
func (excfg *ExpCfg) AddParameter(paramObj string, attributes []AttrbStruct, param, value string) error {
	excp := CreateExpParameter(paramObj, attributes, param, value)
	if err := excp.Validate(); err != nil {
		return err
	}
	excfg.Parameters = append(excfg.Parameters, *excp)
	return nil
}

// WriteToFile stores the ExpCfg struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (excfg *ExpCfg) WriteToFile(filename string) error {
	return writeSerialized(filename, *excfg)
}

// ReadExpCfg deserializes a byte slice holding a representation of an ExpCfg struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.
func ReadExpCfg(filename string, useYAML bool, dict []byte) (*ExpCfg, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := ExpCfg{}
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

// specificity ranks a parameter: wildcards apply first, names last, and
// in between fewer attributes is more general
func specificity(ep ExpParameter) int {
	for _, attrb := range ep.Attributes {
		if attrb.AttrbName == "*" {
			return 0
		}
	}
	for _, attrb := range ep.Attributes {
		if attrb.AttrbName == "name" {
			return 1000
		}
	}
	return len(ep.Attributes)
}

// reorderExpParams returns a copy of the list ordered most general first, so that a
// more specific parameter overrides a more general one. Parameters of equal
// generality keep their input order.
func reorderExpParams(pL []ExpParameter) []ExpParameter {
	ordered := slices.Clone(pL)
	slices.SortStableFunc(ordered, func(a, b ExpParameter) int {
		return specificity(a) - specificity(b)
	})
	return ordered
}

// matchParam reports whether the link carries the attribute
func (lf *LinkFrame) matchParam(attrbName, attrbValue string) bool {
	switch attrbName {
	case "*":
		return true
	case "name":
		return lf.Name == attrbValue
	case "group":
		return slices.Contains(lf.Groups, attrbValue)
	case "role":
		return lf.Role == attrbValue
	case "media":
		return lf.MediaType == attrbValue
	}
	return false
}

// setLinkParam assigns the named parameter of lp from its string encoding
func setLinkParam(lp *LinkParams, param, value string) error {
	switch param {
	case "datarate":
		if _, err := ParseDataRate(value); err != nil {
			return err
		}
		lp.DataRate = value
	case "delay":
		if _, err := ParseDelay(value); err != nil {
			return err
		}
		lp.Delay = value
	case "queuesize":
		if _, err := ParseQueueSize(value); err != nil {
			return err
		}
		lp.QueueSize = value
	case "lossrate":
		loss, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("loss rate %q: %w", value, err)
		}
		if loss < 0 || loss >= 1 {
			return fmt.Errorf("loss rate %v outside [0,1)", loss)
		}
		lp.LossRate = loss
	default:
		return fmt.Errorf("parameter %q not recognized", param)
	}
	return nil
}

// ApplyParameters validates every parameter and then applies them, most general first,
// to each link of the frame whose attributes all match
func (tf *TopoCfgFrame) ApplyParameters(params []ExpParameter) error {
	errs := []error{}
	for idx := range params {
		errs = append(errs, params[idx].Validate())
	}
	if err := ReportErrs(errs); err != nil {
		return err
	}

	for _, param := range reorderExpParams(params) {
		for _, lf := range tf.Links {
			matched := true
			for _, attrb := range param.Attributes {
				if !lf.matchParam(attrb.AttrbName, attrb.AttrbValue) {
					matched = false
					break
				}
			}
			if !matched {
				continue
			}
			if err := setLinkParam(&lf.Params, param.Param, param.Value); err != nil {
				return err
			}
		}
	}
	return nil
}
