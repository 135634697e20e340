/*
Package users manages API-key accounts and project ownership, persisted
as a TOML file. The file is bootstrapped on first start with an admin
account whose key is logged once. A project belongs to the user that
first deploys it; only its owner (or an admin) may operate on it
afterwards.
*/
package users
