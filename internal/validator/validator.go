// Package validator implements the bytecode redefinition-compatibility
// checker (spec §4.3): given a newly read class image and the previously
// loaded image for the same class, it decides whether the host VM capability
// will accept a redefinition from the old image to the new one.
//
// The validator treats class images strictly as structured data; it never
// executes bytecode. Image parsing is delegated to ExtractMetadata, which
// decodes the self-describing class-image format this engine uses in place
// of a real JVM .class parser (see DESIGN.md for the format's grounding).
package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/bytehot/engine/internal/event"
	"github.com/bytehot/engine/internal/vm"
)

// Field is one declared field: name plus its type descriptor.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Method is one declared method: name, descriptor, and the access flags the
// validator checks against the VM capability's allowed-change policy.
type Method struct {
	Name        string `json:"name"`
	Descriptor  string `json:"descriptor"`
	AccessFlags uint16 `json:"access_flags"`
}

// ClassMetadata is the structural shape of a class the validator compares
// across versions. It corresponds 1:1 to event.ClassMetadataExtracted,
// serialized into strings for the event payload at the caller's boundary.
type ClassMetadata struct {
	FQN        string
	SuperClass string
	Interfaces []string
	Fields     []Field
	Methods    []Method
}

// ClassImage is the on-disk representation this engine reads: structural
// metadata plus an opaque method-body blob. Method bodies are free to differ
// between images (spec §4.3); only the checksum of the whole image is
// tracked, for HotSwapRequested's original/new checksum pair.
type ClassImage struct {
	Metadata ClassMetadata `json:"metadata"`
	Body     []byte        `json:"body"`
}

// Checksum returns the image's content checksum (sha256 of the raw encoded bytes).
func Checksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ExtractMetadata decodes a class image from its on-disk bytes. A decode
// failure is reported as a malformed-image error, which callers translate
// into BytecodeRejected(kind="malformed") rather than propagating a generic
// parse error up the pipeline.
func ExtractMetadata(raw []byte) (ClassImage, error) {
	var img ClassImage
	if err := json.Unmarshal(raw, &img); err != nil {
		return ClassImage{}, fmt.Errorf("malformed class image: %w", err)
	}
	if img.Metadata.FQN == "" {
		return ClassImage{}, fmt.Errorf("malformed class image: missing class name")
	}
	return img, nil
}

// AsMetadataFields renders Fields as "name:type" strings for
// event.ClassMetadataExtracted.Fields.
func (m ClassMetadata) AsMetadataFields() []string {
	out := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		out[i] = f.Name + ":" + f.Type
	}
	return out
}

// AsMetadataMethods renders Methods as "name(descriptor)" strings for
// event.ClassMetadataExtracted.Methods.
func (m ClassMetadata) AsMetadataMethods() []string {
	out := make([]string, len(m.Methods))
	for i, meth := range m.Methods {
		out[i] = meth.Name + meth.Descriptor
	}
	return out
}

// Validator decides whether a newly observed class image is
// redefinition-compatible with the previous metadata it is given.
type Validator struct {
	cap vm.Capability
}

// New creates a Validator. capability may be nil, in which case the
// conservative default applies: no access-flag changes are ever accepted
// (spec §9's "no access-flag changes unless the adapter declares support").
func New(capability vm.Capability) *Validator {
	return &Validator{cap: capability}
}

// Validate compares newMeta against oldMeta (the previously loaded image for
// the same class) and reports whether the redefinition is structurally
// compatible, plus the list of rejected changes if not. A class seen for the
// first time (oldMeta.FQN == "") is always valid: there is nothing to
// redefine yet.
func (v *Validator) Validate(oldMeta, newMeta ClassMetadata) (ok bool, rejected []event.RejectedChange) {
	if oldMeta.FQN == "" {
		return true, nil
	}

	if oldMeta.FQN != newMeta.FQN {
		return false, []event.RejectedChange{{
			Kind:   "malformed",
			Member: "class_name",
			Detail: fmt.Sprintf("image declares %q, expected %q", newMeta.FQN, oldMeta.FQN),
		}}
	}

	var out []event.RejectedChange

	if oldMeta.SuperClass != newMeta.SuperClass {
		out = append(out, event.RejectedChange{
			Kind:   "hierarchy",
			Member: "superclass",
			Detail: fmt.Sprintf("changed from %q to %q", oldMeta.SuperClass, newMeta.SuperClass),
		})
	}

	out = append(out, diffStringSets("interface", oldMeta.Interfaces, newMeta.Interfaces)...)
	out = append(out, v.diffFields(oldMeta.Fields, newMeta.Fields)...)
	out = append(out, v.diffMethods(newMeta.FQN, oldMeta.Methods, newMeta.Methods)...)

	return len(out) == 0, out
}

func diffStringSets(kind string, old, new []string) []event.RejectedChange {
	oldSet := toSet(old)
	newSet := toSet(new)

	var out []event.RejectedChange
	for _, name := range sortedKeys(oldSet) {
		if !newSet[name] {
			out = append(out, event.RejectedChange{Kind: "removed", Member: kind + " " + name, Detail: "no longer present"})
		}
	}
	for _, name := range sortedKeys(newSet) {
		if !oldSet[name] {
			out = append(out, event.RejectedChange{Kind: "added", Member: kind + " " + name, Detail: "not present in previous image"})
		}
	}
	return out
}

func (v *Validator) diffFields(old, new []Field) []event.RejectedChange {
	oldByName := make(map[string]Field, len(old))
	for _, f := range old {
		oldByName[f.Name] = f
	}
	newByName := make(map[string]Field, len(new))
	for _, f := range new {
		newByName[f.Name] = f
	}

	var out []event.RejectedChange
	for _, name := range sortedFieldKeys(oldByName) {
		if _, ok := newByName[name]; !ok {
			out = append(out, event.RejectedChange{Kind: "removed", Member: "field " + name + ":" + oldByName[name].Type, Detail: "field removed"})
		}
	}
	for _, name := range sortedFieldKeys(newByName) {
		nf := newByName[name]
		of, existed := oldByName[name]
		if !existed {
			out = append(out, event.RejectedChange{Kind: "added", Member: "field " + name + ":" + nf.Type, Detail: "field added"})
			continue
		}
		if of.Type != nf.Type {
			out = append(out, event.RejectedChange{
				Kind:   "typechanged",
				Member: "field " + name,
				Detail: fmt.Sprintf("type changed from %s to %s", of.Type, nf.Type),
			})
		}
	}
	return out
}

func (v *Validator) diffMethods(fqn string, old, new []Method) []event.RejectedChange {
	oldBySig := make(map[string]Method, len(old))
	for _, m := range old {
		oldBySig[m.Name+m.Descriptor] = m
	}
	newBySig := make(map[string]Method, len(new))
	for _, m := range new {
		newBySig[m.Name+m.Descriptor] = m
	}

	var out []event.RejectedChange
	for _, sig := range sortedMethodKeys(oldBySig) {
		if _, ok := newBySig[sig]; !ok {
			out = append(out, event.RejectedChange{Kind: "removed", Member: "method " + sig, Detail: "method removed"})
		}
	}
	for _, sig := range sortedMethodKeys(newBySig) {
		nm := newBySig[sig]
		om, existed := oldBySig[sig]
		if !existed {
			out = append(out, event.RejectedChange{Kind: "added", Member: "method " + sig, Detail: "method added"})
			continue
		}
		if om.AccessFlags != nm.AccessFlags && !v.supportsAccessChange(fqn, nm.Name, om.AccessFlags, nm.AccessFlags) {
			out = append(out, event.RejectedChange{
				Kind:   "access_change",
				Member: "method " + sig,
				Detail: fmt.Sprintf("access flags changed from 0x%x to 0x%x", om.AccessFlags, nm.AccessFlags),
			})
		}
	}
	return out
}

func (v *Validator) supportsAccessChange(fqn, method string, oldFlags, newFlags uint16) bool {
	if v.cap == nil {
		return oldFlags == newFlags
	}
	return v.cap.SupportsAccessFlagChange(fqn, method, oldFlags, newFlags)
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, i := range items {
		set[i] = true
	}
	return set
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedFieldKeys(m map[string]Field) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedMethodKeys(m map[string]Method) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
