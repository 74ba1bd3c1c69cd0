package config

// schemaSource is the CUE schema every configuration document is unified
// with. Defaults are marked with '*'.
const schemaSource = `
#Severity: "fail" | "warn" | "off"

#Command: {
	argv: [...string]
	stdin?: string
}

#StatusCommand: {
	argv: [...string]
	joinedKey: string
	joinedValues: [...string]
	domainKey?: string
	tenantKey?: string
	deviceKey?: string
}

#Config: {
	principal:  string & !=""
	profileDir: string | *"/home/\(principal)"

	profile: engine: *"restore" | "external"

	backup: {
		root: string & !=""
		include: [...string] | *["Desktop", "Documents", "Downloads", "Pictures", "Videos", "Music", "AppData/Roaming", "AppData/Local", ".config", ".local/share"]
		exclude: [...string] | *["AppData/Local/Temp/", "AppData/Local/Microsoft/Windows/INetCache/", ".cache/", "node_modules/", "*.tmp", "*.ost", "~$*"]
		alwaysRestore: [...string] | *["AppData/Roaming", "AppData/Local"]
	}

	safeguards: {
		minFreeDiskGB: int & >=0 | *20
		volume:        string | *""
		acPower:       #Severity | *"warn"
		network:       #Severity | *"warn"
		networkProbe:  string | *"login.microsoftonline.com:443"
	}

	recoveryExport: {
		enabled:   bool | *false
		directory: string | *""
		device:    string | *""
	}

	domainLeave: {
		enabled:   bool | *true
		user:      string | *""
		secretRef: string | *""
	}

	tempAccount: {
		enabled:   bool | *true
		name:      string | *"hostmove-admin"
		secretRef: string | *""
	}

	join: {
		pollIntervalSeconds: int & >0 | *15
		timeoutSeconds:      int & >0 | *900
	}

	logging: {
		directory: string | *"/var/log/hostmove"
		level:     *"info" | "debug" | "warn" | "error"
	}

	state: path: string | *""

	preflight: policies: [...string] | *[]

	secrets: envFile: string | *""

	telemetry: {
		metrics: bool | *true
		tracing: bool | *false
	}

	onFailure: *"prompt" | "continue" | "abort"

	gateway: {
		membership: #StatusCommand & {
			argv: *["realm", "list"] | [...string]
			joinedKey: *"configured" | string
			joinedValues: *["kerberos-member"] | [...string]
			domainKey: *"domain-name" | string
		}
		joinStatus: #StatusCommand & {
			argv: *["aad-tool", "status"] | [...string]
			joinedKey: *"joined" | string
			joinedValues: *["yes", "true"] | [...string]
			tenantKey: *"tenant-id" | string
			deviceKey: *"device-id" | string
		}
		leave: #Command & {
			argv: *["realm", "leave", "--user", "{{.User}}"] | [...string]
			stdin: *"{{.Secret}}\n" | string
		}
		createAccount: #Command & {
			argv: *["useradd", "--create-home", "--groups", "wheel", "{{.Name}}"] | [...string]
		}
		setPassword: #Command & {
			argv: *["chpasswd"] | [...string]
			stdin: *"{{.Name}}:{{.Secret}}\n" | string
		}
		removeAccount: #Command & {
			argv: *["userdel", "--force", "--remove", "{{.Name}}"] | [...string]
		}
		joinPrompt: #Command & {
			argv: *[] | [...string]
		}
		recoveryExport: #Command & {
			argv: *["cryptsetup", "luksHeaderBackup", "{{.Device}}", "--header-backup-file", "{{.Dest}}/luks-header.img"] | [...string]
		}
		restart: #Command & {
			argv: *["systemctl", "reboot"] | [...string]
		}
		probeTimeoutSeconds: int & >0 | *5
	}
}
`
