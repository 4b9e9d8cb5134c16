package vrectify

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.viam.com/rdk/app"
	"go.viam.com/rdk/cli"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/robot"
	"go.viam.com/rdk/robot/client"
	"go.viam.com/rdk/robot/framesystem"
	"go.viam.com/rdk/utils"
	"go.viam.com/utils/rpc"
)

// NamespaceFamily is the model family every model in this module belongs to.
var NamespaceFamily = resource.NewModelFamily("erh", "vrectify")

// MachineToDependencies lets a component be built locally against the resources of a remote machine.
func MachineToDependencies(client robot.Robot) (resource.Dependencies, error) {
	deps := resource.Dependencies{}

	for _, n := range client.ResourceNames() {
		r, err := client.ResourceByName(n)
		if err != nil {
			return nil, err
		}
		deps[n] = r
	}

	r, ok := client.(resource.Resource)
	if !ok {
		return nil, fmt.Errorf("client isn't a resource.Resource")
	}
	deps[framesystem.PublicServiceName] = r

	return deps, nil
}

func ConnectToMachineFromEnv(ctx context.Context, logger logging.Logger) (robot.Robot, error) {
	params := []string{}
	for _, pp := range []string{utils.MachineFQDNEnvVar, utils.APIKeyIDEnvVar, utils.APIKeyEnvVar} {
		x := os.Getenv(pp)
		if x == "" {
			return nil, fmt.Errorf("no environment variable for %s", pp)
		}
		params = append(params, x)
	}
	return ConnectToMachine(ctx, logger, params[0], params[1], params[2])
}

func ConnectToMachine(ctx context.Context, logger logging.Logger, host, apiKeyID, apiKey string) (robot.Robot, error) {
	return client.New(
		ctx,
		host,
		logger,
		client.WithDialOptions(rpc.WithEntityCredentials(
			apiKeyID,
			rpc.Credentials{
				Type:    rpc.CredentialsTypeAPIKey,
				Payload: apiKey,
			},
		)),
	)
}

// ConnectToHostFromCLIToken uses the viam cli token to login to a machine with just a hostname.
// use "viam login" to setup the token.
func ConnectToHostFromCLIToken(ctx context.Context, host string, logger logging.Logger) (robot.Robot, error) {
	if host == "" {
		return nil, fmt.Errorf("need to specify host")
	}

	c, err := cli.ConfigFromCache(nil)
	if err != nil {
		return nil, err
	}

	dopts, err := c.DialOptions()
	if err != nil {
		return nil, err
	}

	return client.New(
		ctx,
		host,
		logger,
		client.WithDialOptions(dopts...),
	)
}

// UpdateComponentCloudAttributesFromModuleEnv replaces the attributes of a resource on the machine part
// this module is running on.
func UpdateComponentCloudAttributesFromModuleEnv(ctx context.Context, name resource.Name, newAttr utils.AttributeMap, logger logging.Logger) error {
	id := os.Getenv(utils.MachinePartIDEnvVar)
	if id == "" {
		return fmt.Errorf("no %s in env", utils.MachinePartIDEnvVar)
	}

	c, err := app.CreateViamClientFromEnvVars(ctx, nil, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	return UpdateComponentCloudAttributes(ctx, c.AppClient(), id, name, newAttr)
}

// fragmentGetter matches (*app.AppClient).GetFragment.
type fragmentGetter func(ctx context.Context, id, version string) (*app.Fragment, error)

func UpdateComponentCloudAttributes(ctx context.Context, c *app.AppClient, partID string, name resource.Name, newAttr utils.AttributeMap) error {
	part, _, err := c.GetRobotPart(ctx, partID)
	if err != nil {
		return err
	}

	if err := updateAttributesInPlace(ctx, part.RobotConfig, c.GetFragment, name, newAttr); err != nil {
		return fmt.Errorf("part %s: %w", partID, err)
	}

	_, err = c.UpdateRobotPart(ctx, partID, part.Name, part.RobotConfig)
	return err
}

// updateAttributesInPlace replaces the attributes of name in robotConfig. A resource that
// comes from a fragment is overridden with a fragment mod on the part instead.
func updateAttributesInPlace(ctx context.Context, robotConfig map[string]interface{}, getFragment fragmentGetter, name resource.Name, newAttr utils.AttributeMap) error {
	found, err := replaceAttributes(robotConfig, name, newAttr)
	if err != nil {
		return err
	}
	if found {
		return nil
	}

	fragments, _ := robotConfig["fragments"].([]interface{})
	for _, f := range fragments {
		id, version, err := fragmentID(f)
		if err != nil {
			return err
		}

		path, err := findInFragment(ctx, getFragment, id, version, name)
		if err != nil {
			return err
		}
		if path == "" {
			continue
		}
		return setFragmentMod(robotConfig, id, path, fragmentSet(path, newAttr))
	}

	return fmt.Errorf("didn't find %v in the config or its fragments", name.ShortName())
}

// fragmentID handles both forms of a fragment entry: a bare id, or {"id": ..., "version": ...}.
func fragmentID(f interface{}) (string, string, error) {
	if id, ok := f.(string); ok {
		return id, "", nil
	}

	fc, ok := f.(map[string]interface{})
	if !ok {
		return "", "", fmt.Errorf("bad fragment config: %T", f)
	}
	id, ok := fc["id"].(string)
	if !ok {
		return "", "", fmt.Errorf("fragment has no id: %v", f)
	}
	version, _ := fc["version"].(string)
	return id, version, nil
}

// findInFragment returns the mod path of name's attributes ("components.<name>.attributes")
// if the fragment, or a fragment it includes, defines it. Otherwise it returns "".
func findInFragment(ctx context.Context, getFragment fragmentGetter, id, version string, name resource.Name) (string, error) {
	frag, err := getFragment(ctx, id, version)
	if err != nil {
		return "", err
	}

	for _, section := range []string{"components", "services"} {
		entries, _ := frag.Fragment[section].([]interface{})
		for idx, e := range entries {
			ec, ok := e.(map[string]interface{})
			if !ok {
				return "", fmt.Errorf("fragment %s bad %s %d: %T", id, section, idx, e)
			}
			if ec["name"] == name.ShortName() {
				return fmt.Sprintf("%s.%s.attributes", section, name.ShortName()), nil
			}
		}
	}

	nested, _ := frag.Fragment["fragments"].([]interface{})
	for _, f := range nested {
		nid, nversion, err := fragmentID(f)
		if err != nil {
			return "", err
		}
		path, err := findInFragment(ctx, getFragment, nid, nversion, name)
		if err != nil {
			return "", err
		}
		if path != "" {
			return path, nil
		}
	}
	return "", nil
}

func fragmentSet(path string, newAttr utils.AttributeMap) map[string]interface{} {
	set := map[string]interface{}{}
	for k, v := range newAttr {
		set[path+"."+k] = v
	}
	return map[string]interface{}{"$set": set}
}

// setFragmentMod puts mod into the part's fragment_mods for fragment id, replacing an
// existing mod that already sets keys under path.
func setFragmentMod(robotConfig map[string]interface{}, id, path string, mod map[string]interface{}) error {
	fragMods, _ := robotConfig["fragment_mods"].([]interface{})
	for idx, fm := range fragMods {
		fmc, ok := fm.(map[string]interface{})
		if !ok {
			return fmt.Errorf("bad fragment_mods %d: %T", idx, fm)
		}
		if fmc["fragment_id"] != id {
			continue
		}

		mods, _ := fmc["mods"].([]interface{})
		for i, m := range mods {
			mc, _ := m.(map[string]interface{})
			set, _ := mc["$set"].(map[string]interface{})
			for k := range set {
				if strings.HasPrefix(k, path) {
					mods[i] = mod
					return nil
				}
			}
		}
		fmc["mods"] = append(mods, mod)
		return nil
	}

	robotConfig["fragment_mods"] = append(fragMods, map[string]interface{}{
		"fragment_id": id,
		"mods":        []interface{}{mod},
	})
	return nil
}

func replaceAttributes(robotConfig map[string]interface{}, name resource.Name, newAttr utils.AttributeMap) (bool, error) {
	found := false
	for _, section := range []string{"components", "services"} {
		entries, _ := robotConfig[section].([]interface{})
		for idx, e := range entries {
			ec, ok := e.(map[string]interface{})
			if !ok {
				return false, fmt.Errorf("config bad %s %d: %T", section, idx, e)
			}
			if ec["name"] != name.ShortName() {
				continue
			}
			ec["attributes"] = newAttr
			found = true
		}
	}
	return found, nil
}

func FindDep(deps resource.Dependencies, n string) (resource.Resource, bool) {
	for nn, r := range deps {
		if nn.ShortName() == n {
			return r, true
		}
	}
	return nil, false
}
