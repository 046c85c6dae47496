package persistdbg

import (
	"encoding/binary"
	"fmt"

	"github.com/ianlancetaylor/demangle"
)

// Minimal PE header walking. Only the handful of fields the debugger
// needs are touched: entrypoint RVA, SizeOfImage and the export
// directory. debug/pe wants a whole file on disk; here the image is a
// snapshot of guest memory, so the offsets are followed by hand.

const (
	peSignature  = 0x00004550 // "PE\0\0"
	peMagic32    = 0x10B
	peMagic64    = 0x20B
	peHeaderSize = 4096
)

var errBadPE = fmt.Errorf("malformed PE headers")

// peOptionalHeader locates the optional header inside the first page of
// an image and returns its offset and magic.
func peOptionalHeader(headers []byte) (int, uint16, error) {
	if len(headers) < 0x40 {
		return 0, 0, errBadPE
	}
	peOffset := int(binary.LittleEndian.Uint32(headers[0x3C:]))
	if peOffset < 0 || peOffset+0x18+60 > len(headers) {
		return 0, 0, errBadPE
	}
	if binary.LittleEndian.Uint32(headers[peOffset:]) != peSignature {
		return 0, 0, errBadPE
	}
	opt := peOffset + 0x18
	magic := binary.LittleEndian.Uint16(headers[opt:])
	if magic != peMagic32 && magic != peMagic64 {
		return 0, 0, errBadPE
	}
	return opt, magic, nil
}

// peEntrypointRVA extracts AddressOfEntryPoint from the first page of an
// image. Zero means the image has no entrypoint (pure resource DLLs).
func peEntrypointRVA(headers []byte) (uint32, error) {
	opt, _, err := peOptionalHeader(headers)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(headers[opt+16:]), nil
}

// peImageSize extracts SizeOfImage from the first page of an image.
func peImageSize(headers []byte) (uint32, error) {
	opt, _, err := peOptionalHeader(headers)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(headers[opt+56:]), nil
}

// peExportRVA walks the export directory of a fully snapshotted image
// and returns the RVA of the named export, or 0 when the image does not
// export it. GetProcAddress cannot be asked about another process, so
// the lookup reimplements its name walk: linear scan of the name-pointer
// table, then through the ordinal table into the address table.
//
// A decorated name that does not match verbatim is demangled and
// compared again, so C++ exports can be named by their plain identifier.
func peExportRVA(image []byte, name string) uint32 {
	opt, magic, err := peOptionalHeader(image)
	if err != nil {
		return 0
	}
	var exportDirOff int
	if magic == peMagic32 {
		exportDirOff = opt + 96
	} else {
		exportDirOff = opt + 112
	}
	if exportDirOff+4 > len(image) {
		return 0
	}
	exportRVA := int(binary.LittleEndian.Uint32(image[exportDirOff:]))
	if exportRVA == 0 || exportRVA+40 > len(image) {
		return 0
	}

	numNames := int(binary.LittleEndian.Uint32(image[exportRVA+24:]))
	addrTable := int(binary.LittleEndian.Uint32(image[exportRVA+28:]))
	nameTable := int(binary.LittleEndian.Uint32(image[exportRVA+32:]))
	ordTable := int(binary.LittleEndian.Uint32(image[exportRVA+36:]))

	resolve := func(i int) uint32 {
		ordOff := ordTable + i*2
		if ordOff+2 > len(image) {
			return 0
		}
		ordinal := int(binary.LittleEndian.Uint16(image[ordOff:]))
		addrOff := addrTable + ordinal*4
		if addrOff+4 > len(image) {
			return 0
		}
		return binary.LittleEndian.Uint32(image[addrOff:])
	}

	for i := 0; i < numNames; i++ {
		nameOff := nameTable + i*4
		if nameOff+4 > len(image) {
			return 0
		}
		namePtr := int(binary.LittleEndian.Uint32(image[nameOff:]))
		exported := readCString(image, namePtr)
		if exported == name {
			return resolve(i)
		}
	}

	// second pass for decorated exports
	for i := 0; i < numNames; i++ {
		namePtr := int(binary.LittleEndian.Uint32(image[nameTable+i*4:]))
		exported := readCString(image, namePtr)
		if exported == "" || exported == name {
			continue
		}
		if demangledName(exported) == name {
			return resolve(i)
		}
	}
	return 0
}

func readCString(image []byte, off int) string {
	if off < 0 || off >= len(image) {
		return ""
	}
	end := off
	for end < len(image) && image[end] != 0 {
		end++
	}
	return string(image[off:end])
}

func demangledName(sym string) string {
	out, err := demangle.ToString(sym,
		demangle.Option(demangle.NoParams),
		demangle.Option(demangle.NoTemplateParams),
		demangle.Option(demangle.LLVMStyle))
	if err != nil {
		return sym
	}
	return out
}

// moduleEntrypoint reads a loaded module's headers out of the child and
// computes the absolute entrypoint address. Returns 0 when the image has
// none.
func (d *Debugger) moduleEntrypoint(base uintptr) (uintptr, error) {
	headers := make([]byte, peHeaderSize)
	if err := d.mem.read(base, headers); err != nil {
		return 0, err
	}
	rva, err := peEntrypointRVA(headers)
	if err != nil {
		return 0, err
	}
	if rva == 0 {
		return 0, nil
	}
	return base + uintptr(rva), nil
}

// moduleImageSize reads SizeOfImage from a loaded module's headers.
func (d *Debugger) moduleImageSize(base uintptr) (uint32, error) {
	headers := make([]byte, peHeaderSize)
	if err := d.mem.read(base, headers); err != nil {
		return 0, err
	}
	return peImageSize(headers)
}
