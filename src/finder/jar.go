package finder

import (
	"archive/zip"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/danmuck/modsync/src/module"
	"github.com/google/uuid"
)

const classSuffix = ".class"

// ScanJar reads the entry table of the JAR at p and describes it as a
// freshly loaded module with its own loader id.
func ScanJar(p string, t module.Type) (module.LoadedModule, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return module.LoadedModule{}, fmt.Errorf("failed to open module archive %s: %w", p, err)
	}
	defer zr.Close()

	var classes, packages []string
	for _, f := range zr.File {
		name := f.Name
		if f.FileInfo().IsDir() || strings.HasPrefix(name, "META-INF/") {
			continue
		}
		if dir := path.Dir(name); dir != "." {
			pkg := strings.ReplaceAll(dir, "/", ".")
			if !slices.Contains(packages, pkg) {
				packages = append(packages, pkg)
			}
		}
		if strings.HasSuffix(name, classSuffix) && path.Base(name) != "module-info.class" {
			classes = append(classes, strings.ReplaceAll(strings.TrimSuffix(name, classSuffix), "/", "."))
		}
	}
	slices.Sort(classes)
	slices.Sort(packages)

	digest, _, err := module.DigestFile(p)
	if err != nil {
		return module.LoadedModule{}, err
	}

	return module.LoadedModule{
		FileName: filepath.Base(p),
		Type:     t,
		Digest:   digest,
		LoaderID: uuid.NewString(),
		Classes:  classes,
		Packages: packages,
		LoadedAt: time.Now().UTC(),
	}, nil
}

func isModuleFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".jar") && !strings.HasPrefix(filepath.Base(name), ".")
}
