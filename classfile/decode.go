// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package classfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/go-interpreter/crucible/classfile/internal/readpos"
)

func readU8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readBytes(r io.Reader, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode parses a .class file from r into a Class. It is the sole entry
// point external callers (the class linker) use to obtain a class image.
func Decode(r io.Reader) (*Class, error) {
	rp := &readpos.ReadPos{R: r}

	magic, err := readU32(rp)
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}

	c := &Class{}
	if c.MinorVersion, err = readU16(rp); err != nil {
		return nil, err
	}
	if c.MajorVersion, err = readU16(rp); err != nil {
		return nil, err
	}
	if c.MajorVersion < MinSupported {
		return nil, fmt.Errorf("classfile: unsupported major version %d at offset %d", c.MajorVersion, rp.CurPos)
	}

	if err := readConstantPool(rp, &c.CP); err != nil {
		return nil, fmt.Errorf("classfile: constant pool: %w", err)
	}

	flags, err := readU16(rp)
	if err != nil {
		return nil, err
	}
	c.AccessFlags = AccessFlags(flags)

	if c.ThisClass, err = readU16(rp); err != nil {
		return nil, err
	}
	if c.SuperClass, err = readU16(rp); err != nil {
		return nil, err
	}

	ifaceCount, err := readU16(rp)
	if err != nil {
		return nil, err
	}
	c.Interfaces = make([]uint16, ifaceCount)
	for i := range c.Interfaces {
		if c.Interfaces[i], err = readU16(rp); err != nil {
			return nil, err
		}
	}

	if c.Fields, err = readFields(rp); err != nil {
		return nil, fmt.Errorf("classfile: fields: %w", err)
	}
	if c.Methods, err = readMethods(rp, &c.CP); err != nil {
		return nil, fmt.Errorf("classfile: methods: %w", err)
	}
	if err := skipAttributes(rp); err != nil {
		return nil, fmt.Errorf("classfile: class attributes: %w", err)
	}

	return c, nil
}

func readConstantPool(r io.Reader, cp *ConstantPool) error {
	count, err := readU16(r)
	if err != nil {
		return err
	}
	cp.entries = make([]CPEntry, count)
	for i := 1; i < int(count); i++ {
		tag, err := readU8(r)
		if err != nil {
			return err
		}
		e := CPEntry{Tag: Tag(tag)}
		switch e.Tag {
		case TagUtf8:
			n, err := readU16(r)
			if err != nil {
				return err
			}
			b, err := readBytes(r, int(n))
			if err != nil {
				return err
			}
			e.Utf8 = string(b)
		case TagInteger:
			v, err := readU32(r)
			if err != nil {
				return err
			}
			e.IntVal = int32(v)
		case TagFloat:
			v, err := readU32(r)
			if err != nil {
				return err
			}
			e.FloatVal = math.Float32frombits(v)
		case TagLong:
			v, err := readU64(r)
			if err != nil {
				return err
			}
			e.LongVal = int64(v)
		case TagDouble:
			v, err := readU64(r)
			if err != nil {
				return err
			}
			e.DoubleVal = math.Float64frombits(v)
		case TagClass, TagString:
			if e.NameIndex, err = readU16(r); err != nil {
				return err
			}
		case TagFieldref, TagMethodref, TagInterfaceMethodref:
			if e.ClassIndex, err = readU16(r); err != nil {
				return err
			}
			if e.NameAndTypeIndex, err = readU16(r); err != nil {
				return err
			}
		case TagNameAndType:
			if e.NameIndex, err = readU16(r); err != nil {
				return err
			}
			if e.DescriptorIndex, err = readU16(r); err != nil {
				return err
			}
		default:
			return fmt.Errorf("classfile: unsupported constant pool tag %d at entry %d", tag, i)
		}
		cp.entries[i] = e

		// Long and Double entries consume two constant-pool indices: the
		// following index is unusable and must be skipped (JVMS 4.4.5).
		if e.Tag == TagLong || e.Tag == TagDouble {
			i++
		}
	}
	return nil
}

func skipAttributes(r io.Reader) error {
	count, err := readU16(r)
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		if _, err := readU16(r); err != nil { // attribute_name_index
			return err
		}
		length, err := readU32(r)
		if err != nil {
			return err
		}
		if _, err := readBytes(r, int(length)); err != nil {
			return err
		}
	}
	return nil
}

func readFields(r io.Reader) ([]FieldInfo, error) {
	count, err := readU16(r)
	if err != nil {
		return nil, err
	}
	fields := make([]FieldInfo, count)
	for i := range fields {
		flags, err := readU16(r)
		if err != nil {
			return nil, err
		}
		fields[i].AccessFlags = AccessFlags(flags)
		if fields[i].NameIndex, err = readU16(r); err != nil {
			return nil, err
		}
		if fields[i].DescriptorIndex, err = readU16(r); err != nil {
			return nil, err
		}
		if err := skipAttributes(r); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

const codeAttrName = "Code"

func readMethods(r io.Reader, cp *ConstantPool) ([]MethodInfo, error) {
	count, err := readU16(r)
	if err != nil {
		return nil, err
	}
	methods := make([]MethodInfo, count)
	for i := range methods {
		flags, err := readU16(r)
		if err != nil {
			return nil, err
		}
		methods[i].AccessFlags = AccessFlags(flags)
		if methods[i].NameIndex, err = readU16(r); err != nil {
			return nil, err
		}
		if methods[i].DescriptorIndex, err = readU16(r); err != nil {
			return nil, err
		}

		attrCount, err := readU16(r)
		if err != nil {
			return nil, err
		}
		for a := 0; a < int(attrCount); a++ {
			nameIdx, err := readU16(r)
			if err != nil {
				return nil, err
			}
			length, err := readU32(r)
			if err != nil {
				return nil, err
			}
			name, _ := cp.Utf8(nameIdx)
			if name == codeAttrName {
				code, err := readCodeAttribute(r)
				if err != nil {
					return nil, err
				}
				methods[i].Code = code
				continue
			}
			if _, err := readBytes(r, int(length)); err != nil {
				return nil, err
			}
		}
	}
	return methods, nil
}

func readCodeAttribute(r io.Reader) (*CodeAttribute, error) {
	ca := &CodeAttribute{}
	var err error
	if ca.MaxStack, err = readU16(r); err != nil {
		return nil, err
	}
	if ca.MaxLocals, err = readU16(r); err != nil {
		return nil, err
	}
	codeLen, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if ca.Code, err = readBytes(r, int(codeLen)); err != nil {
		return nil, err
	}

	excCount, err := readU16(r)
	if err != nil {
		return nil, err
	}
	ca.Exceptions = make([]ExceptionEntry, excCount)
	for i := range ca.Exceptions {
		if ca.Exceptions[i].StartPC, err = readU16(r); err != nil {
			return nil, err
		}
		if ca.Exceptions[i].EndPC, err = readU16(r); err != nil {
			return nil, err
		}
		if ca.Exceptions[i].HandlerPC, err = readU16(r); err != nil {
			return nil, err
		}
		if ca.Exceptions[i].CatchType, err = readU16(r); err != nil {
			return nil, err
		}
	}

	// The Code attribute carries its own nested attribute list (e.g.
	// LineNumberTable, StackMapTable); the core has no use for them.
	if err := skipAttributes(r); err != nil {
		return nil, err
	}
	return ca, nil
}
