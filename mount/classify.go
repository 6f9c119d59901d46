package mount

import (
	"bytes"
	"regexp"
)

// ContentKind is the closed set of artifact kinds a mount can carry.
type ContentKind int

const (
	// Unrecognized is the fallback for content no rule accepts.
	Unrecognized ContentKind = iota
	// ClassFile is compiled bytecode, recognized by the 0xCAFEBABE magic.
	ClassFile
	// Archive is a jar, recognized by the zip local-file-header signature.
	Archive
	// SourceText is anything else, scanned for a class declaration.
	SourceText
)

func (k ContentKind) String() string {
	switch k {
	case ClassFile:
		return "classfile"
	case Archive:
		return "archive"
	case SourceText:
		return "source"
	default:
		return "unrecognized"
	}
}

var (
	classMagic   = []byte{0xCA, 0xFE, 0xBA, 0xBE}
	archiveMagic = []byte{'P', 'K', 0x03, 0x04}
)

// Classify inspects the leading bytes of data.
func Classify(data []byte) ContentKind {
	switch {
	case len(data) == 0:
		return Unrecognized
	case bytes.HasPrefix(data, classMagic):
		return ClassFile
	case bytes.HasPrefix(data, archiveMagic):
		return Archive
	default:
		return SourceText
	}
}

var (
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineComment  = regexp.MustCompile(`//[^\n]*`)
	literal      = regexp.MustCompile(`"(?:[^"\\\n]|\\.)*"|'(?:[^'\\\n]|\\.)*'`)
	packageDecl  = regexp.MustCompile(`(?m)^\s*package\s+([A-Za-z_$][\w$]*(?:\s*\.\s*[A-Za-z_$][\w$]*)*)\s*;`)
	publicType   = regexp.MustCompile(`\bpublic\s+(?:(?:abstract|final|sealed|strictfp|static)\s+)*(?:class|interface|enum|record)\s+([A-Za-z_$][\w$]*)`)
	anyType      = regexp.MustCompile(`\b(?:class|interface|enum|record)\s+([A-Za-z_$][\w$]*)`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// ScanSource recovers the declared top-level class name and optional
// package from Java source. A public type wins over the first declared one.
// ok is false when no class name can be found.
func ScanSource(text string) (className, packageName string, ok bool) {
	code := literal.ReplaceAllString(blockComment.ReplaceAllString(text, " "), `""`)
	code = lineComment.ReplaceAllString(code, "")

	if m := packageDecl.FindStringSubmatch(code); m != nil {
		packageName = whitespace.ReplaceAllString(m[1], "")
	}
	if m := publicType.FindStringSubmatch(code); m != nil {
		return m[1], packageName, true
	}
	if m := anyType.FindStringSubmatch(code); m != nil {
		return m[1], packageName, true
	}
	return "", packageName, false
}
