// Package config loads hostkit settings.
//
// # Sources
//
// Settings are built from three layers, lowest precedence first:
//
//  1. Default() values.
//  2. An optional settings file. YAML and JSON files are decoded strictly;
//     unknown fields are errors. CUE files, or a directory holding one CUE
//     package, are unified with the built-in settings schema before they
//     are decoded, so constraint violations are reported with file and line.
//  3. The environment (see ApplyEnv).
//
// Validate then checks struct constraints with validator/v10, rejects
// unknown capability names and compiles every declared shape.
//
// # Environment
//
//	CUSTOM_SCRIPT_FILENAME                     script file name inside the model path
//	SAGEMAKER_MODEL_PATH                       model directory
//	HOSTKIT_LISTEN_ADDR                        HTTP listen address
//	SAGEMAKER_CONTAINER_LOG_LEVEL, LOG_LEVEL   log level
//	SAGEMAKER_TRANSFORMS_<CAP>_DEFAULTS        JSON request defaults for a capability
//	OPTION_<NAME>                              engine option "name"
//
// The options enable_stateful_sessions, sessions_path and
// sessions_expiration (seconds) also configure the default session manager.
//
// # Usage Example
//
//	settings, err := config.Load("/etc/hostkit/hostkit.cue")
//	if err != nil {
//		return err
//	}
//	factory := wrapper.NewFactory(registry, logger,
//		wrapper.WithCapabilityDefaults(settings.CapabilityDefaults()))
package config
