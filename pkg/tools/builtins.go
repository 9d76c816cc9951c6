package tools

// Built-in tool registration. The registry seals when the first provider is
// created, so everything here must run at package load.
//
//nolint:gochecknoinits // Registry population must precede sealing
func init() {
	Register(Descriptor{
		Meta:       (&ShellTool{}).Meta(),
		Permission: PermissionWrite,
		Factory: func(b Binding) (Tool, error) {
			return NewShellTool(b)
		},
	})
	Register(Descriptor{
		Meta:       (&ReadFileTool{}).Meta(),
		Permission: PermissionReadOnly,
		Factory: func(b Binding) (Tool, error) {
			return NewReadFileTool(b), nil
		},
	})
	Register(Descriptor{
		Meta:       (&WriteFileTool{}).Meta(),
		Permission: PermissionWrite,
		Factory: func(b Binding) (Tool, error) {
			return NewWriteFileTool(b), nil
		},
	})
	Register(Descriptor{
		Meta:       (&EditFileTool{}).Meta(),
		Permission: PermissionWrite,
		Factory: func(b Binding) (Tool, error) {
			return NewEditFileTool(b), nil
		},
	})
	Register(Descriptor{
		Meta:       (&ListFilesTool{}).Meta(),
		Permission: PermissionReadOnly,
		Factory: func(b Binding) (Tool, error) {
			return NewListFilesTool(b), nil
		},
	})
	Register(Descriptor{
		Meta:       (&GlobTool{}).Meta(),
		Permission: PermissionReadOnly,
		Factory: func(b Binding) (Tool, error) {
			return NewGlobTool(b), nil
		},
	})
	Register(Descriptor{
		Meta:       (&GrepTool{}).Meta(),
		Permission: PermissionReadOnly,
		Factory: func(b Binding) (Tool, error) {
			return NewGrepTool(b), nil
		},
	})
	Register(Descriptor{
		Meta:       NewWebFetchTool().Meta(),
		Permission: PermissionReadOnly,
		Factory: func(Binding) (Tool, error) {
			return NewWebFetchTool(), nil
		},
	})
	Register(Descriptor{
		Meta:       (&SubmitReportTool{}).Meta(),
		Permission: PermissionWrite,
		Factory: func(b Binding) (Tool, error) {
			return NewSubmitReportTool(b)
		},
	})
	Register(Descriptor{
		Meta:       (&UpdatePlanTool{}).Meta(),
		Permission: PermissionWrite,
		Factory: func(b Binding) (Tool, error) {
			return NewUpdatePlanTool(b)
		},
	})
}
