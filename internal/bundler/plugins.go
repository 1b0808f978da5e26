package bundler

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/spf13/afero"

	"github.com/vango-dev/packscripts/internal/config"
)

// aliasPlugin rewrites imports such as "@/components/App" to a directory
// under the project root and lets esbuild resolve the result, so extension
// and index resolution still apply.
func aliasPlugin(cfg *config.Config) api.Plugin {
	keys := make([]string, 0, len(cfg.Resolve.Alias))
	for k := range cfg.Resolve.Alias {
		keys = append(keys, k)
	}
	// Longer prefixes first so "@ui" is not shadowed by "@".
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })

	return api.Plugin{
		Name: "alias",
		Setup: func(pb api.PluginBuild) {
			for _, key := range keys {
				prefix := key
				target := cfg.Abs(cfg.Resolve.Alias[key])
				pb.OnResolve(api.OnResolveOptions{
					Filter: "^" + regexp.QuoteMeta(prefix) + "(/|$)",
				}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					rest := strings.TrimPrefix(args.Path, prefix)
					resolved := pb.Resolve(filepath.Join(target, filepath.FromSlash(rest)), api.ResolveOptions{
						Importer:   args.Importer,
						ResolveDir: args.ResolveDir,
						Kind:       args.Kind,
					})
					if len(resolved.Errors) > 0 {
						return api.OnResolveResult{Errors: resolved.Errors, Warnings: resolved.Warnings}, nil
					}
					return api.OnResolveResult{
						Path:        resolved.Path,
						Namespace:   resolved.Namespace,
						External:    resolved.External,
						SideEffects: sideEffects(resolved.SideEffects),
						Suffix:      resolved.Suffix,
						Warnings:    resolved.Warnings,
					}, nil
				})
			}
		},
	}
}

// sideEffects converts the resolver's flag into the value OnResolve returns.
func sideEffects(has bool) api.SideEffects {
	if has {
		return api.SideEffectsTrue
	}
	return api.SideEffectsFalse
}

// inlineAssetsPlugin loads small images as data URLs and larger ones
// through the file loader.
func inlineAssetsPlugin(cfg *config.Config, fs afero.Fs) api.Plugin {
	exts := make([]string, 0, len(cfg.Assets.Images))
	for _, ext := range cfg.Assets.Images {
		exts = append(exts, regexp.QuoteMeta(strings.TrimPrefix(ext, ".")))
	}
	limit := cfg.Assets.InlineLimit

	return api.Plugin{
		Name: "inline-assets",
		Setup: func(pb api.PluginBuild) {
			if len(exts) == 0 {
				return
			}
			pb.OnLoad(api.OnLoadOptions{
				Filter:    `\.(` + strings.Join(exts, "|") + `)$`,
				Namespace: "file",
			}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				data, err := afero.ReadFile(fs, args.Path)
				if err != nil {
					return api.OnLoadResult{}, err
				}
				contents := string(data)
				loader := api.LoaderFile
				if int64(len(data)) < limit {
					loader = api.LoaderDataURL
				}
				return api.OnLoadResult{
					Contents:   &contents,
					Loader:     loader,
					ResolveDir: filepath.Dir(args.Path),
				}, nil
			})
		},
	}
}

// hooksPlugin reports the start of every build to the compiler.
func hooksPlugin(onStart func()) api.Plugin {
	return api.Plugin{
		Name: "hooks",
		Setup: func(pb api.PluginBuild) {
			pb.OnStart(func() (api.OnStartResult, error) {
				onStart()
				return api.OnStartResult{}, nil
			})
		},
	}
}
