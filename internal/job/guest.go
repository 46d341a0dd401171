package job

// GuestProfile is the configuration replayed on a replatformed instance.
type GuestProfile struct {
	OSFamily     string        `yaml:"os_family"`
	Groups       []Group       `yaml:"groups"`
	Users        []User        `yaml:"users"`
	ProfileFiles []ProfileFile `yaml:"profile_files"`
	CronJobs     []CronJob     `yaml:"cron_jobs"`
	Packages     []string      `yaml:"packages"`
}

type Group struct {
	Name string `yaml:"name"`
	GID  int    `yaml:"gid"`
}

type User struct {
	Name   string   `yaml:"name"`
	UID    int      `yaml:"uid"`
	Groups []string `yaml:"groups"`
	Home   string   `yaml:"home"`
	Shell  string   `yaml:"shell"`
}

type ProfileFile struct {
	Path    string `yaml:"path"`
	Mode    string `yaml:"mode"`
	Owner   string `yaml:"owner"`
	Content string `yaml:"content"`
}

type CronJob struct {
	User     string `yaml:"user"`
	Schedule string `yaml:"schedule"`
	Command  string `yaml:"command"`
}

// Empty reports whether there is nothing to customize.
func (g GuestProfile) Empty() bool {
	return len(g.Groups) == 0 && len(g.Users) == 0 && len(g.ProfileFiles) == 0 &&
		len(g.CronJobs) == 0 && len(g.Packages) == 0
}
