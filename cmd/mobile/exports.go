// Package main builds the sync engine as a shared library for mobile hosts
// (Android/iOS) that call it through Dart FFI.
//
// Strings returned by exported functions are JSON documents allocated with
// C.CString and must be released with FreeString. A NULL return means the
// call failed; GetLastError describes why.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"

	"github.com/kimhsiao/offlinesync/internal/bridge"
)

var engine = bridge.New()

func result(s string) *C.char {
	if s == "" {
		return nil
	}
	return C.CString(s)
}

//export SyncInit
// SyncInit loads the YAML config at path and starts the engine.
// Returns 0 on success, non-zero on error.
func SyncInit(path *C.char) C.int {
	if err := engine.Init(C.GoString(path)); err != nil {
		return 1
	}
	return 0
}

//export SyncClose
func SyncClose() {
	engine.Close()
}

//export GetLastError
func GetLastError() *C.char {
	return C.CString(engine.LastError())
}

//export SyncStatus
func SyncStatus() *C.char {
	return result(engine.Status())
}

//export SyncAllPending
func SyncAllPending() *C.char {
	return result(engine.SyncAllPending())
}

//export SyncByModelType
func SyncByModelType(modelType *C.char) *C.char {
	return result(engine.SyncByModelType(C.GoString(modelType)))
}

//export SyncPull
// SyncPull merges remote changes; since is RFC3339 or empty.
func SyncPull(modelType, since *C.char) *C.char {
	return result(engine.PullFromServer(C.GoString(modelType), C.GoString(since)))
}

//export SyncFetch
func SyncFetch(modelType, request *C.char) *C.char {
	return result(engine.FetchItems(C.GoString(modelType), C.GoString(request)))
}

//export SyncSave
func SyncSave(modelType, fields *C.char) *C.char {
	return result(engine.SaveItem(C.GoString(modelType), C.GoString(fields)))
}

//export SyncSaveDelta
func SyncSaveDelta(modelType, id, fields *C.char) *C.char {
	return result(engine.SaveDelta(C.GoString(modelType), C.GoString(id), C.GoString(fields)))
}

//export SyncDelete
func SyncDelete(modelType, id *C.char) *C.char {
	return result(engine.DeleteItem(C.GoString(modelType), C.GoString(id)))
}

//export SyncSetConnectivity
// SyncSetConnectivity reports the current link ("none", "wifi", "ethernet",
// "mobile" or "other"). Returns 0 on success.
func SyncSetConnectivity(connectionType *C.char) C.int {
	if err := engine.SetConnectivity(C.GoString(connectionType)); err != nil {
		return 1
	}
	return 0
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

func main() {
	// Main function is required for c-shared build mode
	// but is not actually executed when used as shared library
}
