// Package classfile reads just enough of a JVM class file to name it: the
// header and constant pool, up to this_class and super_class.
package classfile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the class file signature.
const Magic = 0xCAFEBABE

// Constant pool tags.
const (
	tagUtf8               = 1
	tagInteger            = 3
	tagFloat              = 4
	tagLong               = 5
	tagDouble             = 6
	tagClass              = 7
	tagString             = 8
	tagFieldref           = 9
	tagMethodref          = 10
	tagInterfaceMethodref = 11
	tagNameAndType        = 12
	tagMethodHandle       = 15
	tagMethodType         = 16
	tagDynamic            = 17
	tagInvokeDynamic      = 18
	tagModule             = 19
	tagPackage            = 20
)

// ErrTruncated is returned when the data ends inside a structure.
var ErrTruncated = errors.New("class file truncated")

// Info is the identifying header of a class file.
type Info struct {
	MinorVersion uint16
	MajorVersion uint16
	AccessFlags  uint16
	// ThisClass is the internal name, e.g. "a/b/C".
	ThisClass string
	// SuperClass is empty for java/lang/Object.
	SuperClass string
}

type entry struct {
	tag   byte
	index uint16 // Class name_index
	utf8  string
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) u1() (byte, error) {
	if r.off+1 > len(r.data) {
		return 0, ErrTruncated
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

func (r *reader) u2() (uint16, error) {
	if r.off+2 > len(r.data) {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u4() (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) skip(n int) error {
	if r.off+n > len(r.data) {
		return ErrTruncated
	}
	r.off += n
	return nil
}

// Parse reads the class file header through super_class.
func Parse(data []byte) (*Info, error) {
	r := &reader{data: data}
	magic, err := r.u4()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, fmt.Errorf("bad class file magic %#x", magic)
	}
	info := &Info{}
	if info.MinorVersion, err = r.u2(); err != nil {
		return nil, err
	}
	if info.MajorVersion, err = r.u2(); err != nil {
		return nil, err
	}

	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	pool := make([]entry, count)
	for i := 1; i < int(count); i++ {
		tag, err := r.u1()
		if err != nil {
			return nil, err
		}
		e := entry{tag: tag}
		switch tag {
		case tagUtf8:
			n, err := r.u2()
			if err != nil {
				return nil, err
			}
			if r.off+int(n) > len(r.data) {
				return nil, ErrTruncated
			}
			e.utf8 = string(r.data[r.off : r.off+int(n)])
			r.off += int(n)
		case tagClass:
			if e.index, err = r.u2(); err != nil {
				return nil, err
			}
		case tagString, tagMethodType, tagModule, tagPackage:
			err = r.skip(2)
		case tagMethodHandle:
			err = r.skip(3)
		case tagInteger, tagFloat, tagFieldref, tagMethodref, tagInterfaceMethodref,
			tagNameAndType, tagDynamic, tagInvokeDynamic:
			err = r.skip(4)
		case tagLong, tagDouble:
			err = r.skip(8)
			// Eight-byte constants occupy two pool slots.
			pool[i] = e
			i++
		default:
			return nil, fmt.Errorf("unknown constant pool tag %d at index %d", tag, i)
		}
		if err != nil {
			return nil, err
		}
		if i < len(pool) {
			pool[i] = e
		}
	}

	if info.AccessFlags, err = r.u2(); err != nil {
		return nil, err
	}
	thisIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	superIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	if info.ThisClass, err = className(pool, thisIdx); err != nil {
		return nil, fmt.Errorf("this_class: %w", err)
	}
	if superIdx != 0 {
		if info.SuperClass, err = className(pool, superIdx); err != nil {
			return nil, fmt.Errorf("super_class: %w", err)
		}
	}
	return info, nil
}

func className(pool []entry, idx uint16) (string, error) {
	if int(idx) <= 0 || int(idx) >= len(pool) || pool[idx].tag != tagClass {
		return "", fmt.Errorf("index %d is not a class constant", idx)
	}
	name := pool[idx].index
	if int(name) <= 0 || int(name) >= len(pool) || pool[name].tag != tagUtf8 {
		return "", fmt.Errorf("class name index %d is not utf8", name)
	}
	return pool[name].utf8, nil
}

// Analyze returns the class's internal name.
func Analyze(data []byte) (string, error) {
	info, err := Parse(data)
	if err != nil {
		return "", err
	}
	return info.ThisClass, nil
}
