package main

// #include <stdlib.h>
// #include "read_przm.h"
import "C"
import (
	"unsafe"

	"github.com/golang/glog"

	read_przm "github.com/phil-mansfield/przm/go"
)

//export ReadHeader
func ReadHeader(fileName *C.char) *C.Przm_Header {
	goFileName := C.GoString(fileName)
	f, err := read_przm.Open(goFileName)
	if err != nil {
		glog.Errorf("could not read header of %s: %v", goFileName, err)
		return nil
	}
	defer f.Close()

	goHd := f.Header()
	datasets := f.Datasets()

	cHd := (*C.Przm_Header)(C.calloc(1, C.size_t(unsafe.Sizeof(C.Przm_Header{}))))
	cHd.Timestep = C.int64_t(goHd.Timestep)
	cHd.NRanks = C.int64_t(goHd.NRanks)
	cHd.HasGrid = cBool(goHd.HasGrid)
	cHd.HasVolume = cBool(goHd.HasVolume)
	cHd.HasSurface = cBool(goHd.HasSurface)
	cHd.HasVariable = cBool(goHd.HasVariable)
	if goHd.HasVariable {
		cHd.Variable = C.CString(goHd.Variable)
	}

	// The arrays live in C memory so that FreeHeader can release them.
	n := len(datasets)
	var pointer *C.char
	pointerSize := C.size_t(unsafe.Sizeof(pointer))
	cHd.NVars = C.int64_t(n)
	cHd.Names = (**C.char)(C.malloc(C.size_t(n+1) * pointerSize))
	cHd.Types = (**C.char)(C.malloc(C.size_t(n+1) * pointerSize))
	cHd.Sizes = (*C.int64_t)(C.malloc(C.size_t(n+1) * 8))

	cNames := unsafe.Slice(cHd.Names, n)
	cTypes := unsafe.Slice(cHd.Types, n)
	cSizes := unsafe.Slice(cHd.Sizes, n)
	for i, ds := range datasets {
		cNames[i] = C.CString(ds.Name)
		cTypes[i] = C.CString(ds.Type)
		cSizes[i] = C.int64_t(ds.Len())
	}
	return cHd
}

//export FreeHeader
func FreeHeader(hd *C.Przm_Header) {
	if hd == nil {
		return
	}
	n := int(hd.NVars)
	for i, name := range unsafe.Slice(hd.Names, n) {
		C.free(unsafe.Pointer(name))
		C.free(unsafe.Pointer(unsafe.Slice(hd.Types, n)[i]))
	}
	C.free(unsafe.Pointer(hd.Names))
	C.free(unsafe.Pointer(hd.Types))
	C.free(unsafe.Pointer(hd.Sizes))
	C.free(unsafe.Pointer(hd.Variable))
	C.free(unsafe.Pointer(hd))
}

// ReadVar reads a dataset into out, which must have room for every element
// of the dataset. It returns 0 on success and 1 otherwise.
//
//export ReadVar
func ReadVar(fileName, varName *C.char, workerID C.int, out unsafe.Pointer) C.int {
	goFileName, goVarName := C.GoString(fileName), C.GoString(varName)
	f, err := read_przm.Open(goFileName)
	if err != nil {
		glog.Errorf("could not open %s: %v", goFileName, err)
		return 1
	}
	defer f.Close()

	ds, ok := f.Dataset(goVarName)
	if !ok {
		glog.Errorf("%s has no dataset named '%s'", goFileName, goVarName)
		return 1
	}

	var buf interface{}
	switch ds.Type {
	case "f32":
		buf = unsafe.Slice((*float32)(out), ds.Len())
	case "u64":
		buf = unsafe.Slice((*uint64)(out), ds.Len())
	default:
		glog.Errorf("dataset '%s' has unrecognized type '%s'",
			goVarName, ds.Type)
		return 1
	}

	if err := f.ReadVar(goVarName, int(workerID), buf); err != nil {
		glog.Errorf("could not read '%s' from %s: %v", goVarName, goFileName, err)
		return 1
	}
	return 0
}

//export InitWorkers
func InitWorkers(n C.int) {
	read_przm.InitWorkers(int(n))
}

func cBool(b bool) C.int32_t {
	if b {
		return 1
	}
	return 0
}

func main() {}
