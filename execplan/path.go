package execplan

import "github.com/dopplerml/core/gpu/kernel"

// DefaultKernelPath names a session's kernel path from its chat-template
// family and activation dtype when the caller (loadModel) doesn't pin an
// explicit one from the manifest, e.g. "chatml-f16". Kernel paths are
// only consulted by gpu/kernel's PinRule table, so an unrecognized or
// empty path simply falls through to dtype-driven dispatch.
func DefaultKernelPath(model ModelConfig, rt RuntimeConfig) kernel.Path {
	family := string(model.ChatTemplateType)
	if family == "" {
		family = "generic"
	}
	return kernel.Path(family + "-" + rt.ActivationDtype.String())
}
